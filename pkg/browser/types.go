package browser

// Profile describes the browser a host drives: either a launched process
// or an already running instance reached through ControlURL.
type Profile struct {
	Name        string   `json:"name" mapstructure:"name"`
	ControlURL  string   `json:"controlUrl,omitempty" mapstructure:"control_url"`
	Headless    bool     `json:"headless" mapstructure:"headless"`
	NoSandbox   bool     `json:"noSandbox" mapstructure:"no_sandbox"`
	UserDataDir string   `json:"userDataDir,omitempty" mapstructure:"user_data_dir"`
	ChromePath  string   `json:"chromePath,omitempty" mapstructure:"chrome_path"`
	Args        []string `json:"args,omitempty" mapstructure:"args"`
}

// Attached reports whether the profile points at a running browser.
func (p Profile) Attached() bool {
	return p.ControlURL != ""
}

// BrowserError is a failure reported by the browser or while driving it.
type BrowserError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *BrowserError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeScriptExecution = "SCRIPT_EXECUTION_ERROR"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
)
