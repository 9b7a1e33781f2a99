package models

// StatusMeta is the meta block of a status item.
type StatusMeta struct {
	Scene              string                     `json:"scene,omitempty"`
	RoomTypeDetected   string                     `json:"roomTypeDetected,omitempty"`
	StrictRetry        bool                       `json:"strictRetry,omitempty"`
	StrictRetryReasons []string                   `json:"strictRetryReasons,omitempty"`
	AllowStaging       bool                       `json:"allowStaging,omitempty"`
	Timings            map[string]int64           `json:"timings,omitempty"`
	Compliance         map[Stage]*ValidatorReport `json:"compliance,omitempty"`
}

// StatusItem is the client-facing snapshot of one job. isTerminal is the
// source of truth for doneness; older views may label jobs with outputs as
// still running.
type StatusItem struct {
	ID               string           `json:"id"`
	Status           JobStatus        `json:"status"`
	Progress         float64          `json:"progress"`
	StageURLs        map[Stage]string `json:"stageUrls,omitempty"`
	ResultStage      Stage            `json:"resultStage,omitempty"`
	ResultURL        string           `json:"resultUrl,omitempty"`
	ImageURL         string           `json:"imageUrl,omitempty"` // best available preview
	OriginalImageURL string           `json:"originalImageUrl,omitempty"`
	Meta             StatusMeta       `json:"meta"`
	Error            string           `json:"error,omitempty"`
	ErrorCode        string           `json:"errorCode,omitempty"`
	IsTerminal       bool             `json:"isTerminal"`
}

// BatchStatus is the envelope of the batch status endpoint.
type BatchStatus struct {
	Items  []StatusItem `json:"items"`
	Counts BatchCounts  `json:"counts"`
	Done   bool         `json:"done"`
	Count  int          `json:"count"`
}

// StatusItemForJob builds the client snapshot for a job.
func StatusItemForJob(j *Job, intraStage float64) StatusItem {
	item := StatusItem{
		ID:               j.ID,
		Status:           j.Status,
		Progress:         j.Progress(intraStage),
		StageURLs:        j.StageURLs,
		ResultStage:      j.ResultStage,
		ResultURL:        j.ResultURL,
		ImageURL:         j.BestAvailableURL(),
		OriginalImageURL: j.InputImageURL,
		Error:            j.Error,
		ErrorCode:        j.ErrorCode,
		IsTerminal:       j.IsTerminal(),
		Meta: StatusMeta{
			Scene:              j.Meta.ScenePrediction,
			RoomTypeDetected:   j.Meta.RoomTypeDetected,
			StrictRetry:        j.Meta.StrictRetry,
			StrictRetryReasons: j.Meta.StrictRetryReasons,
			AllowStaging:       j.Meta.AllowStaging,
			Timings:            j.Meta.Timings,
			Compliance:         j.Meta.Compliance,
		},
	}
	return item
}
