// Package descriptor defines the boundary between test discovery (out of
// scope for this module) and everything downstream of it.
// A Descriptor is whatever a discovery mechanism produces; this package
// only says what shape it must have.
package descriptor

import "github.com/go-playground/validator/v10"

var structValidator = validator.New()

// State is the runnability classification a descriptor carries, set by
// whatever discovery mechanism produced it.
type State string

const (
	Runnable    State = "RUNNABLE"
	NotRunnable State = "NOT_RUNNABLE"
	Deprecated  State = "DEPRECATED"
)

// Descriptor is the read-only view of one test case the runner and
// container need: enough to locate its input/output directories, decide
// whether to run it under the current mode, and look its constructor up in
// the registry.
type Descriptor interface {
	ID() string
	ClassName() string
	InputDir() string
	OutputDir() string
	Modes() []string
	State() State
	Purpose() string
	Title() string
}

// Static is the straightforward Descriptor implementation used by the
// thin cmd/systest-run wiring and by tests; a real discovery mechanism
// would produce its own implementation (e.g. by parsing descriptor files)
// but that parsing step is out of scope here.
type Static struct {
	IDValue        string `validate:"required"`
	ClassNameValue string `validate:"required"`
	InputDirValue  string
	OutputDirValue string `validate:"required"`
	ModesValue     []string
	StateValue     State `validate:"required"`
	PurposeValue   string
	TitleValue     string
}

func (d *Static) ID() string        { return d.IDValue }
func (d *Static) ClassName() string { return d.ClassNameValue }
func (d *Static) InputDir() string  { return d.InputDirValue }
func (d *Static) OutputDir() string { return d.OutputDirValue }
func (d *Static) Modes() []string   { return d.ModesValue }
func (d *Static) State() State      { return d.StateValue }
func (d *Static) Purpose() string   { return d.PurposeValue }
func (d *Static) Title() string     { return d.TitleValue }

// Validate runs struct-tag validation over the descriptor's required
// fields (id, class name, output directory, state), catching a malformed
// descriptor before it reaches the registry lookup.
func (d *Static) Validate() error {
	return structValidator.Struct(d)
}

// SupportsMode reports whether mode is among the descriptor's declared
// modes, or whether the descriptor declares no modes at all (meaning it
// runs under every mode).
func SupportsMode(d Descriptor, mode string) bool {
	modes := d.Modes()
	if len(modes) == 0 {
		return true
	}
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
