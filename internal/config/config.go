package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")
var ErrUnknownStorageGroup = errors.New("unknown storage group")
var ErrUnknownStorageSystem = errors.New("unknown storage system")
var ErrUnknownArchiveAE = errors.New("unknown archive ae")

const (
	StorageSystemTypeFilesystem = "filesystem"
	StorageSystemTypeSftp       = "sftp"
	StorageSystemTypeS3         = "s3"
	StorageSystemTypeInMemory   = "inmemory"
)

const (
	RetentionUnitDays    = "DAYS"
	RetentionUnitHours   = "HOURS"
	RetentionUnitMinutes = "MINUTES"
	RetentionUnitSeconds = "SECONDS"
)

const DefaultStoragePathFormat = "{date}/{hash:studyUID}/{hash:seriesUID}/{hash:sopUID}"
const DefaultMetadataPathFormat = "{date}/{hash:studyUID}/{hash:seriesUID}/{hash:sopUID}.meta"

type Archive struct {
	UpdateDbRetries     int                  `json:"updateDbRetries" yaml:"updateDbRetries"`
	DigestAlgorithm     string               `json:"digestAlgorithm" yaml:"digestAlgorithm"`
	StorageSystemGroups []StorageSystemGroup `json:"storageSystemGroups" yaml:"storageSystemGroups"`
	ArchiveAEs          []ArchiveAE          `json:"archiveAEs" yaml:"archiveAEs"`
	Deleter             Deleter              `json:"deleter" yaml:"deleter"`
	RetentionSweep      RetentionSweep       `json:"retentionSweep" yaml:"retentionSweep"`
}

type Retention struct {
	Value int64  `json:"value" yaml:"value"`
	Unit  string `json:"unit" yaml:"unit"`
}

// UnitDuration maps a retention unit onto its length. Unknown units count as seconds.
func UnitDuration(unit string) time.Duration {
	switch strings.ToUpper(unit) {
	case RetentionUnitDays:
		return 24 * time.Hour
	case RetentionUnitHours:
		return time.Hour
	case RetentionUnitMinutes:
		return time.Minute
	}
	return time.Second
}

func (r Retention) Duration() time.Duration {
	return time.Duration(r.Value) * UnitDuration(r.Unit)
}

type StorageSystemGroup struct {
	GroupId                string          `json:"groupId" yaml:"groupId"`
	GroupType              string          `json:"groupType" yaml:"groupType"`
	SpoolStorageGroup      string          `json:"spoolStorageGroup" yaml:"spoolStorageGroup"`
	StoragePathFormat      string          `json:"storagePathFormat" yaml:"storagePathFormat"`
	MetadataPathFormat     string          `json:"metadataPathFormat" yaml:"metadataPathFormat"`
	Retention              *Retention      `json:"retention" yaml:"retention"`
	MinimumDaysOfFreeSpace int             `json:"minimumDaysOfFreeSpace" yaml:"minimumDaysOfFreeSpace"`
	DataVolumeWindowDays   int             `json:"dataVolumeWindowDays" yaml:"dataVolumeWindowDays"`
	StorageSystems         []StorageSystem `json:"storageSystems" yaml:"storageSystems"`
}

type FilesystemSettings struct {
	Root string `json:"root" yaml:"root"`
}

type SftpSettings struct {
	Addr                  string         `json:"addr" yaml:"addr"`
	User                  StringProvider `json:"user" yaml:"user"`
	Password              StringProvider `json:"password" yaml:"password"`
	PrivateKeyPath        string         `json:"privateKeyPath" yaml:"privateKeyPath"`
	KnownHostsPath        string         `json:"knownHostsPath" yaml:"knownHostsPath"`
	InsecureIgnoreHostKey bool           `json:"insecureIgnoreHostKey" yaml:"insecureIgnoreHostKey"`
	Root                  string         `json:"root" yaml:"root"`
	ConnectionTimeout     Duration       `json:"connectionTimeout" yaml:"connectionTimeout"`
}

type S3Settings struct {
	Bucket          string         `json:"bucket" yaml:"bucket"`
	Prefix          string         `json:"prefix" yaml:"prefix"`
	Region          string         `json:"region" yaml:"region"`
	Endpoint        string         `json:"endpoint" yaml:"endpoint"`
	UsePathStyle    bool           `json:"usePathStyle" yaml:"usePathStyle"`
	AccessKeyId     StringProvider `json:"accessKeyId" yaml:"accessKeyId"`
	SecretAccessKey StringProvider `json:"secretAccessKey" yaml:"secretAccessKey"`
	// Capacity is what the bucket reports as total space, e.g. "10 TiB".
	Capacity string `json:"capacity" yaml:"capacity"`
}

type InMemorySettings struct {
	Capacity string `json:"capacity" yaml:"capacity"`
}

type EncryptionSettings struct {
	Password StringProvider `json:"password" yaml:"password"`
}

type StorageSystem struct {
	SystemId     string              `json:"systemId" yaml:"systemId"`
	Type         string              `json:"type" yaml:"type"`
	MinFreeSpace string              `json:"minFreeSpace" yaml:"minFreeSpace"`
	ReadOnly     bool                `json:"readOnly" yaml:"readOnly"`
	Filesystem   *FilesystemSettings `json:"filesystem" yaml:"filesystem"`
	Sftp         *SftpSettings       `json:"sftp" yaml:"sftp"`
	S3           *S3Settings         `json:"s3" yaml:"s3"`
	InMemory     *InMemorySettings   `json:"inmemory" yaml:"inmemory"`
	Encryption   *EncryptionSettings `json:"encryption" yaml:"encryption"`
}

type Coercion struct {
	RemoteAET string            `json:"remoteAET" yaml:"remoteAET"`
	Script    string            `json:"script" yaml:"script"`
	Params    map[string]string `json:"params" yaml:"params"`
}

type ArchiveAE struct {
	AETitle                       string     `json:"aeTitle" yaml:"aeTitle"`
	StorageSystemGroupId          string     `json:"storageSystemGroupId" yaml:"storageSystemGroupId"`
	StorageSystemGroupType        string     `json:"storageSystemGroupType" yaml:"storageSystemGroupType"`
	MetadataStorageSystemGroupId  string     `json:"metadataStorageSystemGroupId" yaml:"metadataStorageSystemGroupId"`
	SpoolDirectoryPath            string     `json:"spoolDirectoryPath" yaml:"spoolDirectoryPath"`
	IgnoreDuplicatesOnStorage     bool       `json:"ignoreDuplicatesOnStorage" yaml:"ignoreDuplicatesOnStorage"`
	CheckNonDbAttributesOnStorage bool       `json:"checkNonDbAttributesOnStorage" yaml:"checkNonDbAttributesOnStorage"`
	Coercions                     []Coercion `json:"coercions" yaml:"coercions"`
}

// Coercion returns the coercion configured for remoteAET, falling back to an entry without remote AE.
func (ae *ArchiveAE) Coercion(remoteAET string) *Coercion {
	var fallback *Coercion
	for i := range ae.Coercions {
		c := &ae.Coercions[i]
		if c.RemoteAET == remoteAET {
			return c
		}
		if c.RemoteAET == "" && fallback == nil {
			fallback = c
		}
	}
	return fallback
}

type Deleter struct {
	Workers       int      `json:"workers" yaml:"workers"`
	PollInterval  Duration `json:"pollInterval" yaml:"pollInterval"`
	LeaseDuration Duration `json:"leaseDuration" yaml:"leaseDuration"`
	MaxAttempts   int      `json:"maxAttempts" yaml:"maxAttempts"`
	RetryDelay    Duration `json:"retryDelay" yaml:"retryDelay"`
}

type RetentionSweep struct {
	Interval                  Duration `json:"interval" yaml:"interval"`
	BatchSize                 int      `json:"batchSize" yaml:"batchSize"`
	PurgeInterval             Duration `json:"purgeInterval" yaml:"purgeInterval"`
	FailedDeleteRetryInterval Duration `json:"failedDeleteRetryInterval" yaml:"failedDeleteRetryInterval"`
}

// LoadArchive reads the archive configuration. Files ending in .json may contain comments.
func LoadArchive(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseArchiveJson(data)
	case ".yaml", ".yml":
		return ParseArchiveYaml(data)
	}
	return nil, fmt.Errorf("%w: unsupported file extension of %s", ErrInvalidConfiguration, path)
}

func ParseArchiveJson(data []byte) (*Archive, error) {
	archive := &Archive{}
	err := json.Unmarshal(jsonc.ToJSON(data), archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return archive.initialize()
}

func ParseArchiveYaml(data []byte) (*Archive, error) {
	archive := &Archive{}
	err := yaml.Unmarshal(data, archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return archive.initialize()
}

func (a *Archive) initialize() (*Archive, error) {
	a.applyDefaults()
	err := a.Validate()
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) applyDefaults() {
	if a.UpdateDbRetries <= 0 {
		a.UpdateDbRetries = 3
	}
	if a.DigestAlgorithm == "" {
		a.DigestAlgorithm = "MD5"
	}
	for i := range a.StorageSystemGroups {
		g := &a.StorageSystemGroups[i]
		if g.StoragePathFormat == "" {
			g.StoragePathFormat = DefaultStoragePathFormat
		}
		if g.MetadataPathFormat == "" {
			g.MetadataPathFormat = DefaultMetadataPathFormat
		}
		if g.DataVolumeWindowDays <= 0 {
			g.DataVolumeWindowDays = 7
		}
	}
	if a.Deleter.Workers <= 0 {
		a.Deleter.Workers = 2
	}
	if a.Deleter.PollInterval <= 0 {
		a.Deleter.PollInterval = Duration(time.Second)
	}
	if a.Deleter.LeaseDuration <= 0 {
		a.Deleter.LeaseDuration = Duration(5 * time.Minute)
	}
	if a.Deleter.MaxAttempts <= 0 {
		a.Deleter.MaxAttempts = 10
	}
	if a.Deleter.RetryDelay <= 0 {
		a.Deleter.RetryDelay = Duration(time.Minute)
	}
	if a.RetentionSweep.Interval <= 0 {
		a.RetentionSweep.Interval = Duration(time.Hour)
	}
	if a.RetentionSweep.BatchSize <= 0 {
		a.RetentionSweep.BatchSize = 100
	}
	if a.RetentionSweep.PurgeInterval <= 0 {
		a.RetentionSweep.PurgeInterval = Duration(time.Hour)
	}
	if a.RetentionSweep.FailedDeleteRetryInterval <= 0 {
		a.RetentionSweep.FailedDeleteRetryInterval = Duration(6 * time.Hour)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

func (a *Archive) Validate() error {
	groupIds := map[string]struct{}{}
	systemIds := map[string]struct{}{}
	for _, g := range a.StorageSystemGroups {
		if g.GroupId == "" {
			return invalid("storage system group without groupId")
		}
		if _, ok := groupIds[g.GroupId]; ok {
			return invalid("duplicate storage system group %s", g.GroupId)
		}
		groupIds[g.GroupId] = struct{}{}
		if len(g.StorageSystems) == 0 {
			return invalid("storage system group %s has no storage systems", g.GroupId)
		}
		if g.Retention != nil {
			switch strings.ToUpper(g.Retention.Unit) {
			case RetentionUnitDays, RetentionUnitHours, RetentionUnitMinutes, RetentionUnitSeconds, "":
			default:
				return invalid("unknown retention unit %s in group %s", g.Retention.Unit, g.GroupId)
			}
		}
		for _, s := range g.StorageSystems {
			if s.SystemId == "" {
				return invalid("storage system without systemId in group %s", g.GroupId)
			}
			if _, ok := systemIds[s.SystemId]; ok {
				return invalid("duplicate storage system %s", s.SystemId)
			}
			systemIds[s.SystemId] = struct{}{}
			err := s.validate()
			if err != nil {
				return err
			}
		}
	}
	for _, g := range a.StorageSystemGroups {
		if g.SpoolStorageGroup == "" {
			continue
		}
		if _, ok := groupIds[g.SpoolStorageGroup]; !ok {
			return fmt.Errorf("%w: spool group %s of group %s: %w", ErrInvalidConfiguration, g.SpoolStorageGroup, g.GroupId, ErrUnknownStorageGroup)
		}
	}
	aeTitles := map[string]struct{}{}
	for _, ae := range a.ArchiveAEs {
		if ae.AETitle == "" {
			return invalid("archive ae without aeTitle")
		}
		if _, ok := aeTitles[ae.AETitle]; ok {
			return invalid("duplicate archive ae %s", ae.AETitle)
		}
		aeTitles[ae.AETitle] = struct{}{}
		if (ae.StorageSystemGroupId == "") == (ae.StorageSystemGroupType == "") {
			return invalid("archive ae %s needs exactly one of storageSystemGroupId and storageSystemGroupType", ae.AETitle)
		}
		if ae.StorageSystemGroupId != "" {
			if _, ok := groupIds[ae.StorageSystemGroupId]; !ok {
				return fmt.Errorf("%w: group %s of archive ae %s: %w", ErrInvalidConfiguration, ae.StorageSystemGroupId, ae.AETitle, ErrUnknownStorageGroup)
			}
		}
		if ae.StorageSystemGroupType != "" && len(a.StorageSystemGroupsByType(ae.StorageSystemGroupType)) == 0 {
			return fmt.Errorf("%w: group type %s of archive ae %s: %w", ErrInvalidConfiguration, ae.StorageSystemGroupType, ae.AETitle, ErrUnknownStorageGroup)
		}
		if ae.MetadataStorageSystemGroupId != "" {
			if _, ok := groupIds[ae.MetadataStorageSystemGroupId]; !ok {
				return fmt.Errorf("%w: metadata group %s of archive ae %s: %w", ErrInvalidConfiguration, ae.MetadataStorageSystemGroupId, ae.AETitle, ErrUnknownStorageGroup)
			}
		}
	}
	return nil
}

func (s *StorageSystem) validate() error {
	switch s.Type {
	case StorageSystemTypeFilesystem:
		if s.Filesystem == nil || s.Filesystem.Root == "" {
			return invalid("filesystem storage system %s needs a root", s.SystemId)
		}
	case StorageSystemTypeSftp:
		if s.Sftp == nil || s.Sftp.Addr == "" {
			return invalid("sftp storage system %s needs an addr", s.SystemId)
		}
	case StorageSystemTypeS3:
		if s.S3 == nil || s.S3.Bucket == "" {
			return invalid("s3 storage system %s needs a bucket", s.SystemId)
		}
	case StorageSystemTypeInMemory:
	default:
		return invalid("unknown type %s of storage system %s", s.Type, s.SystemId)
	}
	if _, err := ParseMinFreeSpace(s.MinFreeSpace, 0); err != nil {
		return fmt.Errorf("%w: minFreeSpace of storage system %s: %w", ErrInvalidConfiguration, s.SystemId, err)
	}
	return nil
}

func (a *Archive) StorageSystemGroup(groupId string) (*StorageSystemGroup, error) {
	for i := range a.StorageSystemGroups {
		if a.StorageSystemGroups[i].GroupId == groupId {
			return &a.StorageSystemGroups[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStorageGroup, groupId)
}

func (a *Archive) StorageSystemGroupsByType(groupType string) []*StorageSystemGroup {
	groups := []*StorageSystemGroup{}
	for i := range a.StorageSystemGroups {
		if a.StorageSystemGroups[i].GroupType == groupType {
			groups = append(groups, &a.StorageSystemGroups[i])
		}
	}
	return groups
}

// StorageSystem returns the system and the group it belongs to.
func (a *Archive) StorageSystem(systemId string) (*StorageSystemGroup, *StorageSystem, error) {
	for i := range a.StorageSystemGroups {
		g := &a.StorageSystemGroups[i]
		for j := range g.StorageSystems {
			if g.StorageSystems[j].SystemId == systemId {
				return g, &g.StorageSystems[j], nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStorageSystem, systemId)
}

func (a *Archive) ArchiveAE(aeTitle string) (*ArchiveAE, error) {
	for i := range a.ArchiveAEs {
		if a.ArchiveAEs[i].AETitle == aeTitle {
			return &a.ArchiveAEs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownArchiveAE, aeTitle)
}

// ArchiveAEGroupIds lists every storage group an archive AE may write to, directly or by type.
func (a *Archive) ArchiveAEGroupIds() map[string]struct{} {
	groupIds := map[string]struct{}{}
	for _, ae := range a.ArchiveAEs {
		if ae.StorageSystemGroupId != "" {
			groupIds[ae.StorageSystemGroupId] = struct{}{}
		}
		for _, g := range a.StorageSystemGroupsByType(ae.StorageSystemGroupType) {
			groupIds[g.GroupId] = struct{}{}
		}
	}
	return groupIds
}

// ParseMinFreeSpace resolves "N%" against totalSpace, anything else is parsed as a byte size like "5 GiB".
func ParseMinFreeSpace(minFreeSpace string, totalSpace int64) (int64, error) {
	minFreeSpace = strings.TrimSpace(minFreeSpace)
	if minFreeSpace == "" {
		return 0, nil
	}
	if percent, ok := strings.CutSuffix(minFreeSpace, "%"); ok {
		p, err := strconv.ParseFloat(strings.TrimSpace(percent), 64)
		if err != nil {
			return 0, err
		}
		if p < 0 || p > 100 {
			return 0, fmt.Errorf("percentage %s out of range", minFreeSpace)
		}
		return int64(float64(totalSpace) * p / 100), nil
	}
	bytes, err := humanize.ParseBytes(minFreeSpace)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}
