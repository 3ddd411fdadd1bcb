package dicom

import "fmt"

// ParseTag parses the "(gggg,eeee)" form produced by Tag.String back into a
// Tag, so callers that stored tags as strings (the index's MainDicomTags
// table) can rebuild a Dataset from them.
func ParseTag(s string) (Tag, error) {
	var group, element uint16
	if _, err := fmt.Sscanf(s, "(%04x,%04x)", &group, &element); err != nil {
		return Tag{}, fmt.Errorf("dicom.ParseTag: malformed tag %q: %w", s, err)
	}
	return Tag{Group: group, Element: element}, nil
}

// Well-known tags used by the resource hierarchy, the hasher, and the
// finder's main-tag predicates. Not a full data dictionary - just the
// subset the storage core actually reads or writes.
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagModality             = Tag{0x0008, 0x0060}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagReferringPhysician   = Tag{0x0008, 0x0090}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}

	TagPatientName     = Tag{0x0010, 0x0010}
	TagPatientID       = Tag{0x0010, 0x0020}
	TagPatientBirthDate = Tag{0x0010, 0x0030}
	TagPatientSex      = Tag{0x0010, 0x0040}

	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
	TagStudyID           = Tag{0x0020, 0x0010}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagInstanceNumber    = Tag{0x0020, 0x0013}

	TagQueryRetrieveLevel = Tag{0x0008, 0x0052}
)

// MainTags lists, per resource level, the tags the index stores in
// MainDicomTags for fast lookup without round-tripping the full dataset.
var MainTags = map[string][]Tag{
	"Patient":  {TagPatientName, TagPatientID, TagPatientBirthDate, TagPatientSex},
	"Study":    {TagStudyInstanceUID, TagStudyID, TagStudyDate, TagStudyTime, TagStudyDescription, TagAccessionNumber, TagReferringPhysician},
	"Series":   {TagSeriesInstanceUID, TagSeriesNumber, TagModality, TagSeriesDescription},
	"Instance": {TagSOPInstanceUID, TagSOPClassUID, TagInstanceNumber},
}

var tagLevel map[Tag]string

func init() {
	tagLevel = make(map[Tag]string)
	for level, tags := range MainTags {
		for _, t := range tags {
			tagLevel[t] = level
		}
	}
}

// LevelOf reports which resource level a well-known main tag belongs to,
// so a query identifier's tags can be sorted into per-level constraints
// without the caller hard-coding the mapping itself.
func LevelOf(tag Tag) (string, bool) {
	level, ok := tagLevel[tag]
	return level, ok
}
