package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Running is true for states where the container is routable.
func (s State) Running() bool { return s == StateReady || s == StateActive }

// HoldsBackend is true for states that own a backend container.
func (s State) HoldsBackend() bool {
	switch s {
	case StateStarting, StateReady, StateActive, StateStopping:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case StateRequested, StateProvisioning, StateStarting, StateReady,
		StateActive, StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

type StopReason string

const (
	StopUser     StopReason = "user"
	StopIdle     StopReason = "idle"
	StopShutdown StopReason = "shutdown"
	StopAdmin    StopReason = "admin"
	StopCrash    StopReason = "crash"
	StopReplaced StopReason = "replaced"
)

type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

func (e Endpoint) URL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Record is one user's compute session. At most one live (non-terminal)
// record exists per user.
type Record struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	User           string         `gorm:"column:user_name;not null;index" json:"user"`
	ImageKey       string         `gorm:"column:image_key;not null" json:"image"`
	ImageRef       string         `gorm:"column:image_ref;not null" json:"image_ref"`
	Mounts         datatypes.JSON `gorm:"column:mounts" json:"mounts,omitempty"`
	BackendRef     string         `gorm:"column:backend_ref" json:"backend_ref,omitempty"`
	EndpointHost   string         `gorm:"column:endpoint_host" json:"-"`
	EndpointPort   int            `gorm:"column:endpoint_port" json:"-"`
	Routed         bool           `gorm:"column:routed;not null;default:false" json:"routed"`
	State          State          `gorm:"column:state;not null;index" json:"state"`
	Live           bool           `gorm:"column:live;not null;index" json:"-"`
	StopReason     StopReason     `gorm:"column:stop_reason" json:"stop_reason,omitempty"`
	FailureReason  string         `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	LastActivityAt time.Time      `gorm:"column:last_activity_at;not null;index" json:"last_activity_at"`
	ReadyDeadline  *time.Time     `gorm:"column:ready_deadline" json:"ready_deadline,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at;index" json:"finished_at,omitempty"`
}

func (Record) TableName() string { return "session_record" }

func (r *Record) Endpoint() Endpoint {
	return Endpoint{Host: r.EndpointHost, Port: r.EndpointPort}
}

func (r *Record) SetEndpoint(e Endpoint) {
	r.EndpointHost = e.Host
	r.EndpointPort = e.Port
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Mounts != nil {
		cp.Mounts = append(datatypes.JSON(nil), r.Mounts...)
	}
	if r.ReadyDeadline != nil {
		t := *r.ReadyDeadline
		cp.ReadyDeadline = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Validate checks the field invariants tied to State.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	if strings.TrimSpace(r.User) == "" {
		return fmt.Errorf("record has empty user")
	}
	if !r.State.Valid() {
		return fmt.Errorf("record %s: unknown state %q", r.User, r.State)
	}
	if r.Live == r.State.Terminal() {
		return fmt.Errorf("record %s: live=%v inconsistent with state %s", r.User, r.Live, r.State)
	}
	if hasRef := r.BackendRef != ""; hasRef != r.State.HoldsBackend() {
		return fmt.Errorf("record %s: backend_ref set=%v in state %s", r.User, hasRef, r.State)
	}
	if hasEP := !r.Endpoint().IsZero(); hasEP != r.State.Running() {
		return fmt.Errorf("record %s: endpoint set=%v in state %s", r.User, hasEP, r.State)
	}
	return nil
}

// NormalizeUser trims an identity; the empty result is invalid.
func NormalizeUser(user string) string { return strings.TrimSpace(user) }
