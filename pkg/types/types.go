package types

import (
	"errors"
	"time"
)

// OutboxStatus represents the publish state of an outbox row
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "Pending"
	OutboxPublishing OutboxStatus = "Publishing"
	OutboxPublished  OutboxStatus = "Published"
	OutboxFailed     OutboxStatus = "Failed"
)

// InboxStatus represents the processing state of an inbox row
type InboxStatus string

const (
	InboxPending    InboxStatus = "Pending"
	InboxProcessing InboxStatus = "Processing"
	InboxCompleted  InboxStatus = "Completed"
	InboxFailed     InboxStatus = "Failed"
)

// StatusFlags is a bitset tracking how far a message has progressed.
// Flags are OR-merged across coordinator cycles and never cleared.
type StatusFlags uint32

const (
	FlagStored            StatusFlags = 1
	FlagEventStored       StatusFlags = 2
	FlagPublished         StatusFlags = 4
	FlagReceptorProcessed StatusFlags = 8
	FlagFailed            StatusFlags = 32768
)

// Has reports whether all bits of f are set
func (s StatusFlags) Has(f StatusFlags) bool {
	return s&f == f
}

// Merge returns the OR-union of s and f
func (s StatusFlags) Merge(f StatusFlags) StatusFlags {
	return s | f
}

// FailureReason classifies why a message ended up Failed
type FailureReason int

const (
	FailureNone                  FailureReason = 0
	FailureTransportUnavailable  FailureReason = 1
	FailureTimeout               FailureReason = 2
	FailureSerialization         FailureReason = 3
	FailureValidationFailed      FailureReason = 4
	FailureBusinessRuleViolation FailureReason = 5
	FailureHandlerException      FailureReason = 6
	FailureOptimisticConcurrency FailureReason = 7
	FailureLeaseLost             FailureReason = 8
	FailureUnknown               FailureReason = 99
)

// String returns a stable name for the failure reason
func (f FailureReason) String() string {
	switch f {
	case FailureNone:
		return "None"
	case FailureTransportUnavailable:
		return "TransportUnavailable"
	case FailureTimeout:
		return "Timeout"
	case FailureSerialization:
		return "SerializationError"
	case FailureValidationFailed:
		return "ValidationFailed"
	case FailureBusinessRuleViolation:
		return "BusinessRuleViolation"
	case FailureHandlerException:
		return "HandlerException"
	case FailureOptimisticConcurrency:
		return "OptimisticConcurrency"
	case FailureLeaseLost:
		return "LeaseLost"
	default:
		return "Unknown"
	}
}

// Error kinds surfaced by the runtime. Workers and operator tooling match
// on these with errors.Is; concrete errors wrap them with context.
var (
	ErrHandlerNotFound       = errors.New("no receptor registered for message type")
	ErrSerialization         = errors.New("envelope serialization failed")
	ErrOptimisticConcurrency = errors.New("event store version conflict")
	ErrTransportUnavailable  = errors.New("transport unavailable")
	ErrTimeout               = errors.New("operation timed out")
	ErrValidationFailed      = errors.New("message validation failed")
	ErrBusinessRuleViolation = errors.New("business rule violation")
	ErrLeaseLost             = errors.New("work lease expired mid-flight")
	ErrCoordinatorConflict   = errors.New("coordinator transaction conflict")
	ErrFatal                 = errors.New("unrecoverable runtime error")
)

// ClassifyFailure maps an error to the FailureReason recorded on the row
func ClassifyFailure(err error) FailureReason {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrValidationFailed):
		return FailureValidationFailed
	case errors.Is(err, ErrBusinessRuleViolation):
		return FailureBusinessRuleViolation
	case errors.Is(err, ErrSerialization):
		return FailureSerialization
	case errors.Is(err, ErrTransportUnavailable):
		return FailureTransportUnavailable
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrOptimisticConcurrency):
		return FailureOptimisticConcurrency
	case errors.Is(err, ErrLeaseLost):
		return FailureLeaseLost
	default:
		return FailureUnknown
	}
}

// OutboxMessage is one row of the durable outbox table
type OutboxMessage struct {
	MessageID       string
	Destination     string
	Type            string
	Payload         []byte
	Metadata        map[string]string
	Scope           string
	Status          OutboxStatus
	StatusFlags     StatusFlags
	Attempts        int
	Error           string
	CreatedAt       time.Time
	PublishedAt     *time.Time
	InstanceID      string
	LeaseExpiry     *time.Time
	StreamID        string
	PartitionNumber *int
	SequenceOrder   int64
	IsEvent         bool
	FailureReason   FailureReason
	ScheduledFor    *time.Time
}

// InboxMessage is one row of the durable inbox table
type InboxMessage struct {
	MessageID       string
	HandlerName     string
	Type            string
	Payload         []byte
	Metadata        map[string]string
	Scope           string
	Status          InboxStatus
	StatusFlags     StatusFlags
	Attempts        int
	Error           string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	InstanceID      string
	LeaseExpiry     *time.Time
	StreamID        string
	PartitionNumber *int
	SequenceOrder   int64
	IsEvent         bool
	FailureReason   FailureReason
	ScheduledFor    *time.Time
}

// EventRecord is one immutable row of the append-only event store
type EventRecord struct {
	SeqID     int64
	EventID   string
	StreamID  string
	Version   int64
	Type      string
	Payload   []byte
	Metadata  map[string]string
	Scope     string
	CreatedAt time.Time
}

// ServiceInstance is the self-registered row of a running instance
type ServiceInstance struct {
	InstanceID      string
	ServiceName     string
	HostName        string
	ProcessID       int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Metadata        map[string]string
}

// PartitionAssignment records the current owner of one partition number
type PartitionAssignment struct {
	PartitionNumber int
	InstanceID      string
	AssignedAt      time.Time
	LastHeartbeat   time.Time
}

// PerspectiveCheckpoint tracks replay progress of a materialized read model
type PerspectiveCheckpoint struct {
	PerspectiveName string
	LastSeqID       int64
	LastUpdatedAt   time.Time
}

// Completion reports a finished boundary operation to the next
// coordinator cycle
type Completion struct {
	MessageID string
	Status    StatusFlags
}

// Failure reports a failed boundary operation to the next coordinator cycle.
// CompletedStatus carries how far the message got before failing.
type Failure struct {
	MessageID       string
	CompletedStatus StatusFlags
	Error           string
	FailureReason   FailureReason
}

// NewOutboxMessage describes a message to store into the outbox
type NewOutboxMessage struct {
	MessageID    string
	Destination  string
	Type         string
	Payload      []byte
	Metadata     map[string]string
	Scope        string
	StreamID     string
	IsEvent      bool
	ScheduledFor *time.Time
}

// NewInboxMessage describes a received message to store into the inbox
type NewInboxMessage struct {
	MessageID    string
	HandlerName  string
	Type         string
	Payload      []byte
	Metadata     map[string]string
	Scope        string
	StreamID     string
	IsEvent      bool
	ScheduledFor *time.Time
}

// WorkItemFlags tags claimed work with how it was obtained
type WorkItemFlags uint32

const (
	WorkNewlyStored     WorkItemFlags = 1
	WorkOrphaned        WorkItemFlags = 2
	WorkFromEventStore  WorkItemFlags = 4
	WorkRetryAfterFail  WorkItemFlags = 8
	WorkDebugMode       WorkItemFlags = 16
	WorkHighPriority    WorkItemFlags = 32
)

// OutboxWorkItem is one leased outbox row returned from a coordinator cycle
type OutboxWorkItem struct {
	Message *OutboxMessage
	Flags   WorkItemFlags
}

// InboxWorkItem is one leased inbox row returned from a coordinator cycle
type InboxWorkItem struct {
	Message *InboxMessage
	Flags   WorkItemFlags
}

// WorkBatchRequest is the input of one ProcessWorkBatch call
type WorkBatchRequest struct {
	InstanceID  string
	ServiceName string
	HostName    string
	ProcessID   int
	Metadata    map[string]string

	OutboxCompletions []Completion
	OutboxFailures    []Failure
	InboxCompletions  []Completion
	InboxFailures     []Failure

	NewOutboxMessages []NewOutboxMessage
	NewInboxMessages  []NewInboxMessage

	LeaseSeconds    int
	OutboxBatchSize int
	InboxBatchSize  int
}

// WorkBatchResult is the leased work returned from one ProcessWorkBatch call
type WorkBatchResult struct {
	OutboxWork []OutboxWorkItem
	InboxWork  []InboxWorkItem
}

// Defaults shared across the fleet
const (
	DefaultLeaseSeconds   = 300
	DefaultBatchSize      = 100
	DefaultPartitionCount = 10000
)
