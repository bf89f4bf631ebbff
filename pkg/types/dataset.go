package types

// Element is a single attribute of a dataset. Values holds the string form of
// each value; person names carry their alphabetic component group.
type Element struct {
	Tag    Tag      `json:"tag"`
	VR     VR       `json:"vr"`
	Values []string `json:"values"`
}

// First returns the first value, or "" for an empty element.
func (e Element) First() string {
	if len(e.Values) == 0 {
		return ""
	}
	return e.Values[0]
}

// Dataset is an ordered attribute collection as produced by the object codec.
type Dataset struct {
	elements []Element
	index    map[Tag]int
}

// NewDataset creates a dataset from elements in order. A repeated tag replaces
// the earlier element in place.
func NewDataset(elements ...Element) *Dataset {
	d := &Dataset{index: make(map[Tag]int, len(elements))}
	for _, e := range elements {
		d.Set(e)
	}
	return d
}

// Set adds or replaces an element.
func (d *Dataset) Set(e Element) {
	if d.index == nil {
		d.index = make(map[Tag]int)
	}
	if i, ok := d.index[e.Tag]; ok {
		d.elements[i] = e
		return
	}
	d.index[e.Tag] = len(d.elements)
	d.elements = append(d.elements, e)
}

// Get returns the element for a tag.
func (d *Dataset) Get(tag Tag) (Element, bool) {
	if d == nil {
		return Element{}, false
	}
	i, ok := d.index[tag]
	if !ok {
		return Element{}, false
	}
	return d.elements[i], true
}

// String returns the first value of the element for tag, or "".
func (d *Dataset) String(tag Tag) string {
	e, ok := d.Get(tag)
	if !ok {
		return ""
	}
	return e.First()
}

// Elements returns the elements in insertion order.
func (d *Dataset) Elements() []Element {
	if d == nil {
		return nil
	}
	out := make([]Element, len(d.elements))
	copy(out, d.elements)
	return out
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elements)
}

// Identifier extracts the instance identity from the dataset's UIDs.
func (d *Dataset) Identifier(partitionKey int) (InstanceIdentifier, error) {
	id := InstanceIdentifier{
		PartitionKey:      partitionKey,
		StudyInstanceUID:  d.String(TagStudyInstanceUID),
		SeriesInstanceUID: d.String(TagSeriesInstanceUID),
		SOPInstanceUID:    d.String(TagSOPInstanceUID),
	}
	if err := id.Validate(); err != nil {
		return InstanceIdentifier{}, err
	}
	return id, nil
}
