package types

// TagStatus is the lifecycle status of an extended query tag.
type TagStatus int

const (
	TagAdding TagStatus = iota
	TagReindexing
	TagReady
	TagDeleted
)

func (s TagStatus) String() string {
	switch s {
	case TagAdding:
		return "Adding"
	case TagReindexing:
		return "Reindexing"
	case TagReady:
		return "Ready"
	case TagDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// QueryStatus controls whether a Ready tag may be used in query filters.
type QueryStatus int

const (
	QueryDisabled QueryStatus = iota
	QueryEnabled
)

// ExtendedQueryTagEntry is a requested tag definition before it is stored.
type ExtendedQueryTagEntry struct {
	Path           string `json:"path" yaml:"path"`
	VR             string `json:"vr,omitempty" yaml:"vr,omitempty"`
	PrivateCreator string `json:"private_creator,omitempty" yaml:"private_creator,omitempty"`
	Level          string `json:"level" yaml:"level"`
}

// ExtendedQueryTag is a stored extended query tag definition.
type ExtendedQueryTag struct {
	Key            int64       `json:"key"`
	Path           string      `json:"path"`
	VR             VR          `json:"vr"`
	PrivateCreator string      `json:"private_creator,omitempty"`
	Level          Level       `json:"level"`
	Status         TagStatus   `json:"status"`
	QueryStatus    QueryStatus `json:"query_status"`
	ErrorCount     int64       `json:"error_count"`
	OperationID    string      `json:"operation_id,omitempty"`
}

// Tag returns the parsed tag of a top-level tag path.
func (t ExtendedQueryTag) Tag() (Tag, error) {
	return ParseTag(t.Path)
}

// Queryable reports whether the tag participates in query filtering.
func (t ExtendedQueryTag) Queryable() bool {
	return t.Status == TagReady && t.QueryStatus == QueryEnabled
}

// ExtendedQueryTagError records a value that failed extraction during indexing.
type ExtendedQueryTagError struct {
	TagKey    int64
	Watermark int64
	ErrorCode string
	Instance  InstanceIdentifier
}

// TagSnapshot is the set of extended query tags a writer indexed with.
// MaxKey is used to detect tags added after the snapshot was taken.
type TagSnapshot struct {
	Tags   []ExtendedQueryTag
	MaxKey int64
}

// NewTagSnapshot builds a snapshot over tags.
func NewTagSnapshot(tags []ExtendedQueryTag) TagSnapshot {
	s := TagSnapshot{Tags: tags}
	for _, t := range tags {
		if t.Key > s.MaxKey {
			s.MaxKey = t.Key
		}
	}
	return s
}
