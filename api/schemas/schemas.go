package schemas

import "time"

// DetectionMethod identifies the strategy that produced an AdCandidate.
type DetectionMethod string

const (
	MethodIframe        DetectionMethod = "iframe"
	MethodScript        DetectionMethod = "script"
	MethodClassPattern  DetectionMethod = "classPattern"
	MethodIDPattern     DetectionMethod = "idPattern"
	MethodDataAttribute DetectionMethod = "dataAttribute"
	MethodSizeHeuristic DetectionMethod = "sizeHeuristic"
)

// UnknownNetwork is reported when a candidate cannot be attributed.
const UnknownNetwork = "unknown"

// CandidateAttributeKeys is the fixed attribute vocabulary captured for every candidate.
var CandidateAttributeKeys = []string{"class", "id", "src", "href", "style", "width", "height"}

// Geometry is an element's bounding box in page coordinates.
type Geometry struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Center returns the midpoint of the box.
func (g Geometry) Center() (float64, float64) {
	return float64(g.X) + float64(g.Width)/2, float64(g.Y) + float64(g.Height)/2
}

// Area returns width * height.
func (g Geometry) Area() int {
	return g.Width * g.Height
}

// NetworkMatch is the result of attributing a URL, script or element to an ad network.
type NetworkMatch struct {
	Network       string  `json:"network"`
	Confidence    float64 `json:"confidence"`
	MatchedSignal string  `json:"matched_signal"`
}

// AdCandidate is a detected advertising placement.
type AdCandidate struct {
	Element         ElementRef        `json:"element"`
	DetectionMethod DetectionMethod   `json:"detection_method"`
	Network         string            `json:"network"`
	Confidence      float64           `json:"confidence"`
	Geometry        Geometry          `json:"geometry"`
	Visible         bool              `json:"visible"`
	Attributes      map[string]string `json:"attributes"`

	MatchedSignal string  `json:"matched_signal,omitempty"`
	StandardSize  string  `json:"standard_size,omitempty"`
	PatternScore  float64 `json:"pattern_score,omitempty"`
	ContentSample string  `json:"content_sample,omitempty"`

	// SizeCategory buckets the box by area; SuspiciousAspect flags extreme
	// aspect ratios and implausible areas.
	SizeCategory     string `json:"size_category"`
	SuspiciousAspect bool   `json:"suspicious_aspect"`
}

// NavigationKind describes what a click caused.
type NavigationKind string

const (
	NavigationNewWindow          NavigationKind = "newWindow"
	NavigationSameWindowRedirect NavigationKind = "sameWindowRedirect"
	NavigationNone               NavigationKind = "none"
)

// ClickMethod names the strategy that delivered a click.
type ClickMethod string

const (
	ClickNone    ClickMethod = ""
	ClickDirect  ClickMethod = "direct"
	ClickScript  ClickMethod = "script"
	ClickPointer ClickMethod = "pointer"
)

// FailureReason classifies why an interaction did not complete.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonNotVisible        FailureReason = "not_visible"
	ReasonNotEnabled        FailureReason = "not_enabled"
	ReasonStaleElement      FailureReason = "stale_element"
	ReasonNotInteractable   FailureReason = "not_interactable"
	ReasonClickIntercepted  FailureReason = "click_intercepted"
	ReasonTimeout           FailureReason = "timeout"
	ReasonAllClicksFailed   FailureReason = "all_click_strategies_failed"
	ReasonNavigationFailed  FailureReason = "navigation_failed"
	ReasonRestoreFailed     FailureReason = "restore_failed"
	ReasonSessionLost       FailureReason = "session_lost"
	ReasonCancelled         FailureReason = "cancelled"
	ReasonUnexpectedFailure FailureReason = "unexpected_failure"
)

// InteractionState is a step of the per-candidate interaction state machine.
type InteractionState string

const (
	StateIdle               InteractionState = "idle"
	StateClicking           InteractionState = "clicking"
	StateAwaitingNavigation InteractionState = "awaitingNavigation"
	StateAnalyzing          InteractionState = "analyzing"
	StateRestoring          InteractionState = "restoring"
	StateDone               InteractionState = "done"
	StateFailed             InteractionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s InteractionState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// InteractionResult is the outcome of one simulated click.
type InteractionResult struct {
	Candidate          AdCandidate       `json:"candidate"`
	ClickSucceeded     bool              `json:"click_succeeded"`
	ClickMethod        ClickMethod       `json:"click_method"`
	NavigationKind     NavigationKind    `json:"navigation_kind"`
	DestinationURL     string            `json:"destination_url"`
	UTMParameters      map[string]string `json:"utm_parameters"`
	TrackingParameters map[string]string `json:"tracking_parameters"`
	SecurityRisk       string            `json:"security_risk"`
	ElapsedMs          int64             `json:"elapsed_ms"`
	Error              string            `json:"error,omitempty"`

	FinalState    InteractionState `json:"final_state"`
	FailureReason FailureReason    `json:"failure_reason,omitempty"`
	Analysis      *URLAnalysis     `json:"analysis,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
}

// NewInteractionResult returns a result with every map initialized and no navigation.
func NewInteractionResult(c AdCandidate) InteractionResult {
	return InteractionResult{
		Candidate:          c,
		NavigationKind:     NavigationNone,
		UTMParameters:      map[string]string{},
		TrackingParameters: map[string]string{},
		FinalState:         StateIdle,
		StartedAt:          time.Now(),
	}
}

// ScanReport collects everything observed for one target URL.
type ScanReport struct {
	ScanID       string              `json:"scan_id"`
	TargetURL    string              `json:"target_url"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	Candidates   []AdCandidate       `json:"candidates"`
	Interactions []InteractionResult `json:"interactions"`
	Error        string              `json:"error,omitempty"`
}
