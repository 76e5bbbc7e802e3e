package models

import "time"

// Event types observed on the channel event stream. The names follow the
// upstream CEL vocabulary so bus payloads can be stored verbatim.
const (
	EventChanStart        = "CHAN_START"
	EventAnswer           = "ANSWER"
	EventBridgeEnter      = "BRIDGE_ENTER"
	EventBridgeExit       = "BRIDGE_EXIT"
	EventAppStart         = "APP_START"
	EventHangup           = "HANGUP"
	EventChanEnd          = "CHAN_END"
	EventLinkedIDEnd      = "LINKEDID_END"
	EventForward          = "XIVO_USER_FWD"
	EventBlindTransfer    = "BLINDTRANSFER"
	EventAttendedTransfer = "ATTENDEDTRANSFER"
	EventIVRChoice        = "WAZO_IVR_CHOICE"
	EventIncall           = "XIVO_INCALL"
	EventOutcall          = "XIVO_OUTCALL"
	EventDID              = "WAZO_DID"
)

// Call directions.
const (
	DirectionInternal = "internal"
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is one recorded channel-level occurrence (CEL). Events are immutable
// once stored; ordering within a correlation id is by Time, tie-broken by ID.
type Event struct {
	ID            int64
	CorrelationID string // linked id shared by all events of one call
	ChannelID     string // per-channel unique id
	Type          string
	Time          time.Time
	ChannelName   string
	Exten         string
	Context       string
	CallerIDName  string
	CallerIDNum   string
	Extra         map[string]string // free-form context payload
	Processed     bool
}

// Participant is a party associated with a call record.
type Participant struct {
	ID           int64
	CallRecordID int64
	UserUUID     string
	LineID       *int64
	Role         string // "source" | "destination"
	Tags         []string
	Answered     bool
	Requested    bool
}

// Forward is one forward action observed during a call.
type Forward struct {
	ID           int64
	CallRecordID int64
	EventID      int64
	Time         time.Time
	Num          string
	Context      string
	Name         string
	ChannelName  string
}

// Transfer is one blind or attended transfer observed during a call.
type Transfer struct {
	ID                 int64
	CallRecordID       int64
	EventID            int64
	Time               time.Time
	Type               string // "blind" | "attended"
	TargetExten        string
	Context            string
	TransfereeChannel  string
	TransfereeUniqueID string
	SecondChannel      string
	SecondUniqueID     string
	TargetChannel      string
	TargetUniqueID     string
	Bridge1ID          string
	Bridge2ID          string
	TransfereeLine     string
	TargetLine         string
	SecondLine         string
}

// IVRChoice is one DTMF menu choice made during a call.
type IVRChoice struct {
	EventID     int64     `json:"event_id"`
	Exten       string    `json:"exten"`
	Context     string    `json:"context"`
	ChannelName string    `json:"channel_name"`
	Time        time.Time `json:"time"`
}

// CallRecord is a finalized, immutable call record reduced from the events
// of one correlation id. Date is always set; at least one of SourceName or
// SourceExten is always set. Every other field may be absent.
type CallRecord struct {
	ID                         int64
	TenantUUID                 string
	CorrelationID              string
	ConversationID             string
	Date                       time.Time
	DateAnswer                 *time.Time
	DateEnd                    *time.Time
	SourceName                 *string
	SourceExten                *string
	SourceInternalName         *string
	SourceInternalExten        *string
	SourceInternalContext      *string
	SourceLineIdentity         *string
	RequestedName              *string
	RequestedExten             *string
	RequestedContext           *string
	RequestedInternalExten     *string
	RequestedInternalContext   *string
	DestinationName            *string
	DestinationExten           *string
	DestinationInternalExten   *string
	DestinationInternalContext *string
	DestinationLineIdentity    *string
	DestinationDetails         map[string]string
	Direction                  string
	Trunk                      *string
	TrunkNumber                *string // enriched dialable number for Trunk
	Blocked                    bool
	Participants               []Participant
	Forwards                   []Forward
	Transfers                  []Transfer
	IVRChoices                 []IVRChoice
	EventIDs                   []int64
}

// Duration returns the answered talk time, or zero when the call was never
// answered or never ended.
func (r *CallRecord) Duration() time.Duration {
	if r.DateAnswer == nil || r.DateEnd == nil {
		return 0
	}
	return r.DateEnd.Sub(*r.DateAnswer)
}

// Answered reports whether the call was ever answered.
func (r *CallRecord) Answered() bool {
	return r.DateAnswer != nil
}

// SchedulePeriod is one recurring open or exception rule of a schedule.
// Empty Weekdays/MonthDays/Months sets mean "every day/month".
type SchedulePeriod struct {
	ID         int64
	ScheduleID int64
	Mode       string // "open" | "exception"
	HoursStart string // "HH:MM"
	HoursEnd   string // "HH:MM"
	Weekdays   []int  // 1=Monday .. 7=Sunday
	MonthDays  []int  // 1..31
	Months     []int  // 1..12
}

// Schedule modes.
const (
	PeriodOpen      = "open"
	PeriodException = "exception"
)

// Schedule is one business-hours calendar definition.
type Schedule struct {
	ID         int64
	TenantUUID string
	Name       string
	Timezone   string
	Periods    []SchedulePeriod
}

// Trunk is one entry of the trunk directory: a carrier/line grouping with a
// raw contact URI fragment the enrichment table parses a number from.
type Trunk struct {
	ID      int64
	Name    string
	Contact string // e.g. "sip:0230200101@carrier.example.com"
}

// Tenant is a known tenant; call records reference tenants by uuid.
type Tenant struct {
	UUID string
}
