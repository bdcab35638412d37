package bus

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Subjects for job lifecycle events. External tooling can subscribe to
// tomecast.job.> to follow every running conversion.
const (
	SubjectProgress = "tomecast.job.progress"
	SubjectChapter  = "tomecast.job.chapter"
	SubjectDone     = "tomecast.job.done"
)

// ProgressEvent is published as chunks complete.
type ProgressEvent struct {
	JobID       string    `json:"job_id"`
	Stage       string    `json:"stage"`
	ChunksDone  int       `json:"chunks_done"`
	ChunksTotal int       `json:"chunks_total"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChapterEvent is published when a chapter boundary is reached.
type ChapterEvent struct {
	JobID     string    `json:"job_id"`
	Chapter   string    `json:"chapter"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

// DoneEvent is published once at the end of a run.
type DoneEvent struct {
	JobID      string    `json:"job_id"`
	OutputPath string    `json:"output_path"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher emits job events over the bus. A nil Publisher is a no-op, so
// callers never need to branch on whether the bus is enabled.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client, log *slog.Logger) *Publisher {
	return &Publisher{client: client, log: log.With(slog.String("component", "bus-publisher"))}
}

func (p *Publisher) Progress(evt ProgressEvent) {
	p.publish(SubjectProgress, evt)
}

func (p *Publisher) Chapter(evt ChapterEvent) {
	p.publish(SubjectChapter, evt)
}

func (p *Publisher) Done(evt DoneEvent) {
	p.publish(SubjectDone, evt)
}

func (p *Publisher) publish(subject string, payload any) {
	if p == nil || p.client == nil || !p.client.Healthy() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to encode event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
