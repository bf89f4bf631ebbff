package types

// CoreAttribute is an attribute indexed for every instance, independent of
// extended query tags.
type CoreAttribute struct {
	Tag   Tag
	VR    VR
	Level Level
}

// CoreAttributes lists the always-indexed attributes.
var CoreAttributes = []CoreAttribute{
	{TagStudyInstanceUID, VRUI, LevelStudy},
	{TagPatientID, VRLO, LevelStudy},
	{TagPatientName, VRPN, LevelStudy},
	{TagReferringPhysicianName, VRPN, LevelStudy},
	{TagStudyDate, VRDA, LevelStudy},
	{TagStudyDescription, VRLO, LevelStudy},
	{TagAccessionNumber, VRSH, LevelStudy},
	{TagPatientBirthDate, VRDA, LevelStudy},
	{TagSeriesInstanceUID, VRUI, LevelSeries},
	{TagModality, VRCS, LevelSeries},
	{TagPerformedProcedureStepStartDate, VRDA, LevelSeries},
	{TagManufacturerModelName, VRLO, LevelSeries},
	{TagSOPInstanceUID, VRUI, LevelInstance},
}

// IsCoreTag reports whether tag is a core attribute.
func IsCoreTag(tag Tag) bool {
	for _, c := range CoreAttributes {
		if c.Tag == tag {
			return true
		}
	}
	return false
}
