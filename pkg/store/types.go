package store

// Sender identifies who authored a message.
type Sender string

const (
	SenderHuman Sender = "human"
	SenderAgent Sender = "agent"
)

// Persona is one "season" of the agent: a generated identity that owns
// conversations and memories until it is rotated out.
type Persona struct {
	ID            string
	FirstName     string
	LastName      string
	StatusMessage string
	Active        bool
	StartedAtMS   int64
	EndedAtMS     int64
	CreatedAtMS   int64
}

// FullName follows the Korean family-name-first convention.
func (p Persona) FullName() string {
	return p.LastName + p.FirstName
}

// PersonaState holds the open-ended persona attributes.
type PersonaState struct {
	PersonaID   string
	Attributes  Attributes
	Revision    int
	UpdatedAtMS int64
}

// Conversation links one participant to one persona.
type Conversation struct {
	ID               string
	ParticipantID    string
	PersonaID        string
	Active           bool
	LastActivityAtMS int64
	CreatedAtMS      int64
}

// Message is an immutable conversation entry; only ReadAtMS changes.
type Message struct {
	ID             string
	Seq            int64
	ConversationID string
	Sender         Sender
	Content        string
	CreatedAtMS    int64
	ReadAtMS       int64
	IsFragment     bool
	FragmentIndex  int
	TurnID         string
}

func (m Message) IsRead() bool { return m.ReadAtMS > 0 }

// Memory is a single persona memory subject to decay, consolidation and pruning.
type Memory struct {
	ID                 string
	PersonaID          string
	Content            string
	Significance       float64
	EmotionalIntensity float64
	DetailLevel        float64
	RecallCount        int
	Tags               []string
	MemoryAtMS         int64
	LastRecalledAtMS   int64
	CreatedAtMS        int64
}

// Job is a durable deferred action.
type Job struct {
	ID            string
	JobType       string
	Scope         string
	Status        string
	Priority      int
	Payload       map[string]string
	Error         string
	Attempts      int
	MaxAttempts   int
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)
