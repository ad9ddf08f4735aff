package dicom

// dict maps the tags this node handles in implicit-VR transfer syntax to
// their VR. Anything absent decodes as UN (PS 3.5 6.2.2).
var dict = map[Tag]VR{
	{0x0002, 0x0002}: VRUI, // Media Storage SOP Class UID
	{0x0002, 0x0003}: VRUI, // Media Storage SOP Instance UID
	{0x0002, 0x0010}: VRUI, // Transfer Syntax UID
	{0x0008, 0x0005}: VRCS, // Specific Character Set
	{0x0008, 0x0008}: VRCS, // Image Type
	{0x0008, 0x0016}: VRUI, // SOP Class UID
	{0x0008, 0x0018}: VRUI, // SOP Instance UID
	{0x0008, 0x0020}: VRDA, // Study Date
	{0x0008, 0x0021}: VRDA, // Series Date
	{0x0008, 0x0022}: VRDA, // Acquisition Date
	{0x0008, 0x0030}: VRTM, // Study Time
	{0x0008, 0x0031}: VRTM, // Series Time
	{0x0008, 0x0050}: VRSH, // Accession Number
	{0x0008, 0x0052}: VRCS, // Query/Retrieve Level
	{0x0008, 0x0054}: VRAE, // Retrieve AE Title
	{0x0008, 0x0060}: VRCS, // Modality
	{0x0008, 0x0061}: VRCS, // Modalities In Study
	{0x0008, 0x0070}: VRLO, // Manufacturer
	{0x0008, 0x0080}: VRLO, // Institution Name
	{0x0008, 0x0090}: VRPN, // Referring Physician's Name
	{0x0008, 0x1030}: VRLO, // Study Description
	{0x0008, 0x103E}: VRLO, // Series Description
	{0x0008, 0x1050}: VRPN, // Performing Physician's Name
	{0x0008, 0x1110}: VRSQ, // Referenced Study Sequence
	{0x0008, 0x1115}: VRSQ, // Referenced Series Sequence
	{0x0008, 0x1140}: VRSQ, // Referenced Image Sequence
	{0x0008, 0x1199}: VRSQ, // Referenced SOP Sequence
	{0x0010, 0x0010}: VRPN, // Patient's Name
	{0x0010, 0x0020}: VRLO, // Patient ID
	{0x0010, 0x0030}: VRDA, // Patient's Birth Date
	{0x0010, 0x0040}: VRCS, // Patient's Sex
	{0x0010, 0x1010}: VRAS, // Patient's Age
	{0x0010, 0x1030}: VRDS, // Patient's Weight
	{0x0018, 0x0015}: VRCS, // Body Part Examined
	{0x0018, 0x0050}: VRDS, // Slice Thickness
	{0x0018, 0x1030}: VRLO, // Protocol Name
	{0x0020, 0x000D}: VRUI, // Study Instance UID
	{0x0020, 0x000E}: VRUI, // Series Instance UID
	{0x0020, 0x0010}: VRSH, // Study ID
	{0x0020, 0x0011}: VRIS, // Series Number
	{0x0020, 0x0013}: VRIS, // Instance Number
	{0x0020, 0x1200}: VRIS, // Number of Patient Related Studies
	{0x0020, 0x1202}: VRIS, // Number of Patient Related Series
	{0x0020, 0x1204}: VRIS, // Number of Patient Related Instances
	{0x0020, 0x1206}: VRIS, // Number of Study Related Series
	{0x0020, 0x1208}: VRIS, // Number of Study Related Instances
	{0x0020, 0x1209}: VRIS, // Number of Series Related Instances
	{0x0028, 0x0002}: VRUS, // Samples per Pixel
	{0x0028, 0x0010}: VRUS, // Rows
	{0x0028, 0x0011}: VRUS, // Columns
	{0x0028, 0x0100}: VRUS, // Bits Allocated
	{0x0028, 0x0101}: VRUS, // Bits Stored
	{0x7FE0, 0x0010}: VROW, // Pixel Data
}

// DictVR returns the dictionary VR for tag, or UN when unknown.
func DictVR(tag Tag) VR {
	if vr, ok := dict[tag]; ok {
		return vr
	}
	return VRUN
}
