package domain

import "time"

// Stage is the coarse-grained phase of a deployment pipeline.
type Stage string

// Deployment stages.
const (
	StageIdle       Stage = "idle"
	StageStarting   Stage = "starting"
	StageUnpacking  Stage = "unpacking"
	StageInstalling Stage = "installing"
	StageAnalyzing  Stage = "analyzing"
	StageRunning    Stage = "running"
	StageFinished   Stage = "finished"
	StageStopped    Stage = "stopped"
	StageError      Stage = "error"
)

var stageEdges = map[Stage][]Stage{
	StageIdle:       {StageStarting},
	StageStarting:   {StageUnpacking, StageError, StageStopped},
	StageUnpacking:  {StageInstalling, StageError, StageStopped},
	StageInstalling: {StageAnalyzing, StageError, StageStopped},
	StageAnalyzing:  {StageRunning, StageError, StageStopped},
	StageRunning:    {StageFinished, StageStopped, StageError},
	StageFinished:   {StageStarting},
	StageStopped:    {StageStarting},
	StageError:      {StageStarting},
}

// CanTransition reports whether next is a legal successor of s.
func (s Stage) CanTransition(next Stage) bool {
	for _, candidate := range stageEdges[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the stage only moves again on an explicit restart.
func (s Stage) Terminal() bool {
	switch s {
	case StageFinished, StageStopped, StageError:
		return true
	}
	return false
}

// Active reports whether the stage belongs to an in-flight pipeline or a
// running program.
func (s Stage) Active() bool {
	return s != StageIdle && !s.Terminal()
}

// Key identifies one deployment of one hosted server.
type Key struct {
	ServerID     string `json:"serverId"`
	DeploymentID string `json:"deploymentId"`
}

// String renders the key as server/deployment.
func (k Key) String() string {
	return k.ServerID + "/" + k.DeploymentID
}

// Details captures what unpacking found inside the uploaded archive.
type Details struct {
	Files          []string          `json:"files"`
	Manifest       string            `json:"manifest,omitempty"`
	ManifestName   string            `json:"manifestName,omitempty"`
	Dependencies   map[string]string `json:"dependencies,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
	InstallCommand string            `json:"installCommand,omitempty"`
	StartCommand   string            `json:"startCommand,omitempty"`
	ArchiveDigest  string            `json:"archiveDigest,omitempty"`
	ArchiveSize    int64             `json:"archiveSize,omitempty"`
}

// Analysis is the verdict returned by the external configuration analyzer.
type Analysis struct {
	RequiresExternalDB bool   `json:"requiresExternalDB"`
	ConnectionString   string `json:"connectionString,omitempty"`
	SetupSuggestion    string `json:"setupSuggestion,omitempty"`
}

// Deployment is one attempt to run one uploaded archive for one hosted server.
type Deployment struct {
	ServerID     string     `json:"serverId"`
	DeploymentID string     `json:"deploymentId"`
	Stage        Stage      `json:"stage"`
	Status       string     `json:"status"`
	Details      *Details   `json:"details,omitempty"`
	Analysis     *Analysis  `json:"analysis,omitempty"`
	Error        string     `json:"error,omitempty"`
	Restarts     int        `json:"restarts"`
	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Key returns the deployment's identity.
func (d Deployment) Key() Key {
	return Key{ServerID: d.ServerID, DeploymentID: d.DeploymentID}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (d Deployment) Clone() Deployment {
	out := d
	if d.Details != nil {
		details := *d.Details
		details.Files = append([]string(nil), d.Details.Files...)
		if d.Details.Dependencies != nil {
			details.Dependencies = make(map[string]string, len(d.Details.Dependencies))
			for k, v := range d.Details.Dependencies {
				details.Dependencies[k] = v
			}
		}
		out.Details = &details
	}
	if d.Analysis != nil {
		analysis := *d.Analysis
		out.Analysis = &analysis
	}
	if d.CompletedAt != nil {
		completed := *d.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
