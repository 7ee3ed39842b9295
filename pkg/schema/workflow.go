package schema

// Workflow is the validated in-memory representation of a workflow
// definition. It is immutable after load; the engine never mutates it.
type Workflow struct {
	Name       string                      `yaml:"name" json:"name"`
	Version    string                      `yaml:"version,omitempty" json:"version,omitempty"`
	StrictFlow *bool                       `yaml:"strict_flow,omitempty" json:"strict_flow,omitempty"` // default true
	Providers  map[string]ProviderTemplate `yaml:"providers,omitempty" json:"providers,omitempty"`
	Context    map[string]any              `yaml:"context,omitempty" json:"context,omitempty"`
	Secrets    []string                    `yaml:"secrets,omitempty" json:"secrets,omitempty"` // env names allowed into every step
	Steps      []Step                      `yaml:"steps" json:"steps"`

	// Checksum is the sha256 of the raw definition bytes, filled by the loader.
	Checksum string `yaml:"-" json:"-"`
}

// Strict reports whether strict-flow mode is enabled (the default).
func (w *Workflow) Strict() bool {
	return w.StrictFlow == nil || *w.StrictFlow
}

// Step is the atomic unit of work. Exactly one execution kind may be set:
// Command, Provider, ForEach, While, or WaitFor. Combining kinds is a
// load-time validation error.
type Step struct {
	Name string `yaml:"name" json:"name"`

	Command  []string            `yaml:"command,omitempty" json:"command,omitempty"`
	Provider *ProviderInvocation `yaml:"provider,omitempty" json:"provider,omitempty"`
	ForEach  *ForEachSpec        `yaml:"for_each,omitempty" json:"for_each,omitempty"`
	While    *WhileSpec          `yaml:"while,omitempty" json:"while,omitempty"`
	WaitFor  *WaitForSpec        `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`

	When      *Condition      `yaml:"when,omitempty" json:"when,omitempty"`
	On        *TransitionMap  `yaml:"on,omitempty" json:"on,omitempty"`
	DependsOn *DependencySpec `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetryPolicy    `yaml:"retry,omitempty" json:"retry,omitempty"`

	Timeout string            `yaml:"timeout,omitempty" json:"timeout,omitempty"` // e.g. "30s"; default 300s
	Secrets []string          `yaml:"secrets,omitempty" json:"secrets,omitempty"` // allowlisted env names
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	InputFile       string      `yaml:"input_file,omitempty" json:"input_file,omitempty"`
	OutputCapture   CaptureMode `yaml:"output_capture,omitempty" json:"output_capture,omitempty"` // default text
	OutputFile      string      `yaml:"output_file,omitempty" json:"output_file,omitempty"`
	AllowParseError bool        `yaml:"allow_parse_error,omitempty" json:"allow_parse_error,omitempty"`
}

// Kind returns the step's execution kind, or KindInvalid when zero or more
// than one kind is declared.
func (s *Step) Kind() StepKind {
	var kind StepKind = KindInvalid
	n := 0
	if len(s.Command) > 0 {
		kind, n = KindCommand, n+1
	}
	if s.Provider != nil {
		kind, n = KindProvider, n+1
	}
	if s.ForEach != nil {
		kind, n = KindForEach, n+1
	}
	if s.While != nil {
		kind, n = KindWhile, n+1
	}
	if s.WaitFor != nil {
		kind, n = KindWaitFor, n+1
	}
	if n != 1 {
		return KindInvalid
	}
	return kind
}

// StepKind enumerates the closed set of step execution kinds.
type StepKind string

const (
	KindInvalid  StepKind = ""
	KindCommand  StepKind = "command"
	KindProvider StepKind = "provider"
	KindForEach  StepKind = "for_each"
	KindWhile    StepKind = "while"
	KindWaitFor  StepKind = "wait_for"
)

// CaptureMode selects how captured stdout is normalized.
type CaptureMode string

const (
	CaptureText  CaptureMode = "text"
	CaptureLines CaptureMode = "lines"
	CaptureJSON  CaptureMode = "json"
)

// ProviderTemplate declares how to invoke an external provider shim.
type ProviderTemplate struct {
	Command   []string          `yaml:"command" json:"command"` // argv template; may contain {{PROMPT}}
	Transport PromptTransport   `yaml:"transport,omitempty" json:"transport,omitempty"`
	Params    map[string]string `yaml:"params,omitempty" json:"params,omitempty"` // default parameters
}

// PromptTransport selects how the composed prompt reaches the shim.
type PromptTransport string

const (
	TransportArgv  PromptTransport = "argv"
	TransportStdin PromptTransport = "stdin"
)

// PromptPlaceholder is the reserved token in a provider argv template that
// is replaced by the composed prompt when the transport is argv.
const PromptPlaceholder = "{{PROMPT}}"

// ProviderInvocation invokes a named provider template from a step.
type ProviderInvocation struct {
	Name       string            `yaml:"name" json:"name"`
	Params     map[string]string `yaml:"params,omitempty" json:"params,omitempty"` // override template defaults
	PromptFile string            `yaml:"prompt_file,omitempty" json:"prompt_file,omitempty"`
	Prompt     string            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// Condition is a recursive predicate tree. Leaves are predicates; All, Any
// and Not compose them. Expr holds a restricted expression string.
type Condition struct {
	StepOK     string      `yaml:"step_ok,omitempty" json:"step_ok,omitempty"`
	FileExists string      `yaml:"file_exists,omitempty" json:"file_exists,omitempty"`
	EnvSet     string      `yaml:"env_set,omitempty" json:"env_set,omitempty"`
	Equals     []string    `yaml:"equals,omitempty" json:"equals,omitempty"` // [left, right]
	Contains   []string    `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex      []string    `yaml:"regex,omitempty" json:"regex,omitempty"` // [value, pattern]
	NumCompare *NumCompare `yaml:"compare,omitempty" json:"compare,omitempty"`
	Expr       string      `yaml:"expr,omitempty" json:"expr,omitempty"`

	All []*Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []*Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition   `yaml:"not,omitempty" json:"not,omitempty"`
}

// NumCompare is a numeric comparison predicate.
type NumCompare struct {
	Left  string `yaml:"left" json:"left"`
	Op    string `yaml:"op" json:"op"` // lt | le | gt | ge | eq | ne
	Right string `yaml:"right" json:"right"`
}

// TransitionMap routes control flow after a step finishes.
type TransitionMap struct {
	Success *Transition `yaml:"success,omitempty" json:"success,omitempty"`
	Failure *Transition `yaml:"failure,omitempty" json:"failure,omitempty"`
}

// Transition is a single routing decision: goto a step or reserved target,
// end the run successfully, or terminate with an error message.
type Transition struct {
	Goto  string `yaml:"goto,omitempty" json:"goto,omitempty"`
	End   bool   `yaml:"end,omitempty" json:"end,omitempty"`
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// Reserved transition targets.
const (
	TargetStart        = "_start"
	TargetEnd          = "_end"
	TargetError        = "_error"
	TargetLoopBreak    = "_loop_break"
	TargetLoopContinue = "_loop_continue"
)

// DependencySpec declares file dependencies checked before a step runs.
type DependencySpec struct {
	Required    []string   `yaml:"required,omitempty" json:"required,omitempty"`
	Optional    []string   `yaml:"optional,omitempty" json:"optional,omitempty"`
	Inject      InjectMode `yaml:"inject,omitempty" json:"inject,omitempty"` // default none
	Instruction string     `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Position    string     `yaml:"position,omitempty" json:"position,omitempty"` // prepend | append
}

// InjectMode selects how resolved dependencies augment the prompt.
type InjectMode string

const (
	InjectNone    InjectMode = "none"
	InjectList    InjectMode = "list"
	InjectContent InjectMode = "content"
)

// RetryPolicy configures retry behavior for retryable outcomes.
type RetryPolicy struct {
	MaxAttempts    int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff        string `yaml:"backoff,omitempty" json:"backoff,omitempty"` // fixed | exponential
	Delay          string `yaml:"delay,omitempty" json:"delay,omitempty"`     // e.g. "1s"
	MaxDelay       string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	RetryExitCodes []int  `yaml:"retry_exit_codes,omitempty" json:"retry_exit_codes,omitempty"`
}

// ForEachSpec iterates a step sequence over a resolved item list.
type ForEachSpec struct {
	Items         []any  `yaml:"items,omitempty" json:"items,omitempty"`         // literal array
	Source        string `yaml:"source,omitempty" json:"source,omitempty"`       // e.g. "steps.scan.json.files"
	ItemName      string `yaml:"item_name,omitempty" json:"item_name,omitempty"` // default "item"
	Body          []Step `yaml:"steps" json:"steps"`
	Parallel      bool   `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	MaxWorkers    int    `yaml:"max_workers,omitempty" json:"max_workers,omitempty"`
	JoinPolicy    string `yaml:"join_policy,omitempty" json:"join_policy,omitempty"` // all | any | majority
	JoinTimeout   string `yaml:"join_timeout,omitempty" json:"join_timeout,omitempty"`
	OnItemFailure string `yaml:"on_item_failure,omitempty" json:"on_item_failure,omitempty"` // continue | break
}

// WhileSpec repeats a step sequence while a condition holds.
type WhileSpec struct {
	Condition     *Condition `yaml:"condition" json:"condition"`
	Body          []Step     `yaml:"steps" json:"steps"`
	MaxIterations int        `yaml:"max_iterations" json:"max_iterations"`
	MaxDuration   string     `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	Delay         string     `yaml:"delay,omitempty" json:"delay,omitempty"` // inter-iteration delay
}

// WaitForSpec blocks until files matching a glob appear.
type WaitForSpec struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	MinCount int    `yaml:"min_count,omitempty" json:"min_count,omitempty"` // default 1
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`   // default 1s
	Timeout  string `yaml:"timeout,omitempty" json:"timeout,omitempty"`     // default 300s
}
