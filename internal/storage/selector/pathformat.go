package selector

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/zeebo/blake3"
)

var ErrInvalidPathFormat = errors.New("invalid storage path format")

var pathAttributes = map[string]dataset.Tag{
	"patientID":   dataset.PatientID,
	"studyUID":    dataset.StudyInstanceUID,
	"seriesUID":   dataset.SeriesInstanceUID,
	"sopUID":      dataset.SOPInstanceUID,
	"sopClassUID": dataset.SOPClassUID,
	"modality":    dataset.Modality,
}

type segment struct {
	literal string
	// token is empty for literal segments
	token string
	hash  bool
}

// PathFormat renders storage paths like "{date}/{hash:studyUID}/{sopUID}".
// {date} expands to yyyy/MM/dd of the store time, {hash:attr} to the first 8 hex digits
// of the BLAKE3 hash of attr.
type PathFormat struct {
	format   string
	segments []segment
}

func ParsePathFormat(format string) (*PathFormat, error) {
	if format == "" {
		return nil, fmt.Errorf("%w: empty format", ErrInvalidPathFormat)
	}
	pf := &PathFormat{format: format}
	rest := format
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			pf.segments = append(pf.segments, segment{literal: rest})
			break
		}
		if open > 0 {
			pf.segments = append(pf.segments, segment{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unclosed brace in %q", ErrInvalidPathFormat, format)
		}
		token := rest[open+1 : open+end]
		seg := segment{token: token}
		if name, ok := strings.CutPrefix(token, "hash:"); ok {
			seg.token = name
			seg.hash = true
		}
		if _, ok := pathAttributes[seg.token]; !ok && seg.token != "date" {
			return nil, fmt.Errorf("%w: unknown token {%s} in %q", ErrInvalidPathFormat, token, format)
		}
		pf.segments = append(pf.segments, seg)
		rest = rest[open+end+1:]
	}
	return pf, nil
}

func hashValue(value string) string {
	sum := blake3.Sum256([]byte(value))
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

func (pf *PathFormat) Format(ds *dataset.Dataset, now time.Time) string {
	var b strings.Builder
	for _, seg := range pf.segments {
		if seg.token == "" {
			b.WriteString(seg.literal)
			continue
		}
		var value string
		if seg.token == "date" {
			value = now.Format("2006/01/02")
		} else {
			value = ds.String(pathAttributes[seg.token])
		}
		if seg.hash {
			value = hashValue(value)
		}
		b.WriteString(value)
	}
	return b.String()
}

func (pf *PathFormat) String() string {
	return pf.format
}

// WithCopySuffix returns the path used for the n-th retry after a naming collision.
func WithCopySuffix(path string, n int) string {
	if n == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, n)
}
