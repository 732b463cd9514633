package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
)

// IngestRequest asks a worker to run one incremental ingestion pass.
type IngestRequest struct {
	RequestID   string    `json:"request_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// IndexUpdatedEvent is published after a run that changed the store.
type IndexUpdatedEvent struct {
	RunID        string    `json:"run_id"`
	IndexedFiles []string  `json:"indexed_files"`
	ChunksAdded  int       `json:"chunks_added"`
	StoreSize    int       `json:"store_size"`
	FinishedAt   time.Time `json:"finished_at"`
}

type Queue struct {
	conn          *nats.Conn
	ingestSubject string
	eventsSubject string
	executor      *resilience.Executor
}

type Options struct {
	IngestSubject        string
	EventsSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, options Options) (*Queue, error) {
	if options.IngestSubject == "" {
		options.IngestSubject = "docqa.ingest.requested"
	}
	if options.EventsSubject == "" {
		options.EventsSubject = "docqa.index.updated"
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("docqa-indexer"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		ingestSubject: options.IngestSubject,
		eventsSubject: options.EventsSubject,
		executor:      options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishIndexUpdated(ctx context.Context, report domain.IngestionReport) error {
	return q.publish(ctx, q.eventsSubject, IndexUpdatedEvent{
		RunID:        report.RunID,
		IndexedFiles: report.IndexedFiles,
		ChunksAdded:  report.ChunksAdded,
		StoreSize:    report.StoreSize,
		FinishedAt:   report.StartedAt.Add(report.Duration),
	})
}

// RequestIngest enqueues an ingestion request and returns its id.
func (q *Queue) RequestIngest(ctx context.Context, reason string) (string, error) {
	req := IngestRequest{RequestID: uuid.NewString(), Reason: reason, RequestedAt: time.Now().UTC()}
	if err := q.publish(ctx, q.ingestSubject, req); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

func (q *Queue) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	err = q.executor.Execute(ctx, "nats.publish", func(context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}, classifyNATSError)
	return resilience.MarkTemporary("nats publish", err, classifyNATSError)
}

// SubscribeIngestRequests runs handler for each request until ctx ends. Workers share a queue
// group, so one request is handled once.
func (q *Queue) SubscribeIngestRequests(ctx context.Context, handler func(context.Context, IngestRequest) error) error {
	return q.subscribe(ctx, q.ingestSubject, "ingest-workers", func(data []byte) {
		req, err := DecodeIngestRequest(data)
		if err != nil {
			slog.Warn("ingest_request_invalid", "error", err)
			return
		}
		if err := handler(ctx, req); err != nil {
			slog.Error("ingest_request_failed", "request_id", req.RequestID, "error", err)
		}
	})
}

// SubscribeIndexUpdated runs handler for every index-updated event until ctx ends. There is no
// queue group: every subscriber sees every event.
func (q *Queue) SubscribeIndexUpdated(ctx context.Context, handler func(context.Context, IndexUpdatedEvent)) error {
	return q.subscribe(ctx, q.eventsSubject, "", func(data []byte) {
		event, err := DecodeIndexUpdatedEvent(data)
		if err != nil {
			slog.Warn("index_updated_event_invalid", "error", err)
			return
		}
		handler(ctx, event)
	})
}

func (q *Queue) subscribe(ctx context.Context, subject, group string, handle func([]byte)) error {
	cb := func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		handle(msg.Data)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = q.conn.QueueSubscribe(subject, group, cb)
	} else {
		sub, err = q.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// DecodeIngestRequest accepts a JSON request or, for manual triggers from the nats CLI, any
// non-JSON payload, which is used as the reason.
func DecodeIngestRequest(data []byte) (IngestRequest, error) {
	var req IngestRequest
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &req); err != nil {
			return IngestRequest{}, fmt.Errorf("decode ingest request: %w", err)
		}
	} else {
		req.Reason = string(data)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req, nil
}

func DecodeIndexUpdatedEvent(data []byte) (IndexUpdatedEvent, error) {
	var event IndexUpdatedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return IndexUpdatedEvent{}, fmt.Errorf("decode index updated event: %w", err)
	}
	if event.RunID == "" {
		return IndexUpdatedEvent{}, fmt.Errorf("decode index updated event: run_id is empty")
	}
	return event, nil
}
