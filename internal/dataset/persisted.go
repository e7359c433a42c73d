package dataset

type Level int

const (
	PatientLevel Level = iota
	StudyLevel
	SeriesLevel
	InstanceLevel
)

func (l Level) String() string {
	switch l {
	case PatientLevel:
		return "PATIENT"
	case StudyLevel:
		return "STUDY"
	case SeriesLevel:
		return "SERIES"
	case InstanceLevel:
		return "INSTANCE"
	}
	return "UNKNOWN"
}

var (
	TransferSyntaxUID          = NewTag(0x0002, 0x0010)
	MediaStorageSOPClassUID    = NewTag(0x0002, 0x0002)
	MediaStorageSOPInstanceUID = NewTag(0x0002, 0x0003)

	SOPClassUID            = NewTag(0x0008, 0x0016)
	SOPInstanceUID         = NewTag(0x0008, 0x0018)
	StudyDate              = NewTag(0x0008, 0x0020)
	ContentDate            = NewTag(0x0008, 0x0023)
	StudyTime              = NewTag(0x0008, 0x0030)
	ContentTime            = NewTag(0x0008, 0x0033)
	AccessionNumber        = NewTag(0x0008, 0x0050)
	Modality               = NewTag(0x0008, 0x0060)
	ReferringPhysicianName = NewTag(0x0008, 0x0090)
	StudyDescription       = NewTag(0x0008, 0x1030)
	SeriesDescription      = NewTag(0x0008, 0x103E)
	PatientName            = NewTag(0x0010, 0x0010)
	PatientID              = NewTag(0x0010, 0x0020)
	IssuerOfPatientID      = NewTag(0x0010, 0x0021)
	PatientBirthDate       = NewTag(0x0010, 0x0030)
	PatientSex             = NewTag(0x0010, 0x0040)
	BodyPartExamined       = NewTag(0x0018, 0x0015)
	StudyInstanceUID       = NewTag(0x0020, 0x000D)
	SeriesInstanceUID      = NewTag(0x0020, 0x000E)
	StudyID                = NewTag(0x0020, 0x0010)
	SeriesNumber           = NewTag(0x0020, 0x0011)
	InstanceNumber         = NewTag(0x0020, 0x0013)
	PixelData              = NewTag(0x7FE0, 0x0010)
)

var persistedTags = map[Level][]Tag{
	PatientLevel: {
		PatientName,
		PatientID,
		IssuerOfPatientID,
		PatientBirthDate,
		PatientSex,
	},
	StudyLevel: {
		StudyDate,
		StudyTime,
		AccessionNumber,
		ReferringPhysicianName,
		StudyDescription,
		StudyInstanceUID,
		StudyID,
	},
	SeriesLevel: {
		Modality,
		SeriesDescription,
		BodyPartExamined,
		SeriesInstanceUID,
		SeriesNumber,
	},
	InstanceLevel: {
		SOPClassUID,
		SOPInstanceUID,
		ContentDate,
		ContentTime,
		InstanceNumber,
	},
}

var persistedTagSet = func() map[Tag]struct{} {
	set := map[Tag]struct{}{}
	for _, tags := range persistedTags {
		for _, tag := range tags {
			set[tag] = struct{}{}
		}
	}
	return set
}()

func PersistedTags(level Level) []Tag {
	return persistedTags[level]
}

// IsPersisted reports whether tag is mirrored into the database at any level.
func IsPersisted(tag Tag) bool {
	_, ok := persistedTagSet[tag]
	return ok
}

// IsFileMeta reports whether tag belongs to the file meta information group.
func IsFileMeta(tag Tag) bool {
	return tag.Group() == 0x0002
}

// Select copies the persisted attributes of level out of ds.
func Select(ds *Dataset, level Level) *Dataset {
	selected := New()
	for _, tag := range persistedTags[level] {
		if e := ds.Get(tag); e != nil {
			selected.SetElement(e)
		}
	}
	return selected
}

// SelectAll copies the persisted attributes of every level out of ds.
func SelectAll(ds *Dataset) *Dataset {
	selected := New()
	for _, level := range []Level{PatientLevel, StudyLevel, SeriesLevel, InstanceLevel} {
		selected.Update(Select(ds, level))
	}
	return selected
}
