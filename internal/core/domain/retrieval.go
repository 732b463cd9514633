package domain

type DistanceMetric string

const (
	MetricL2     DistanceMetric = "l2"
	MetricCosine DistanceMetric = "cosine"
)

func (m DistanceMetric) Valid() bool {
	return m == MetricL2 || m == MetricCosine
}

type SearchHit struct {
	Chunk    Chunk   `json:"chunk"`
	Distance float64 `json:"distance"`
}

type RetrievalStatus string

const (
	RetrievalReady      RetrievalStatus = "ready"
	RetrievalNotIndexed RetrievalStatus = "not_indexed"
)

// RetrievalResult carries either ranked hits or the explicit "no index yet" state.
type RetrievalResult struct {
	Status RetrievalStatus `json:"status"`
	Hits   []SearchHit     `json:"hits"`
}

type AskRequest struct {
	Question    string  `json:"question"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	K           int     `json:"k,omitempty"`
}

type CompletionRequest struct {
	Question    string
	Hits        []SearchHit
	Model       string
	Temperature float64
}

type Completion struct {
	Text         string   `json:"text"`
	CitedSources []string `json:"cited_sources"`
}

type Answer struct {
	Text         string      `json:"text"`
	CitedSources []string    `json:"cited_sources"`
	Sources      []SearchHit `json:"sources"`
}

type IndexStatus struct {
	IndexedFiles []string       `json:"indexed_files"`
	Chunks       int            `json:"chunks"`
	Dimension    int            `json:"dimension"`
	Metric       DistanceMetric `json:"metric"`
	Indexed      bool           `json:"indexed"`
}
