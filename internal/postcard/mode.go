package postcard

// Modes understood by the provider.
const (
	ModeTest = "test"
	ModeLive = "live"
)

// ModeConfig is the subset of configuration that decides credentials.
type ModeConfig struct {
	Mode      string
	TestKey   string
	LiveKey   string
	ForceTest bool
}

// Resolved is the outcome of mode resolution for one submission.
type Resolved struct {
	Mode   string
	APIKey string
	Forced bool
	Label  string
}

// ResolveMode picks credentials. Forced test mode always wins over the
// configured mode; anything other than "live" is treated as test.
func ResolveMode(cfg ModeConfig) Resolved {
	switch {
	case cfg.ForceTest:
		return Resolved{Mode: ModeTest, APIKey: cfg.TestKey, Forced: true, Label: "test (force test enabled)"}
	case cfg.Mode == ModeLive:
		return Resolved{Mode: ModeLive, APIKey: cfg.LiveKey, Label: ModeLive}
	default:
		return Resolved{Mode: ModeTest, APIKey: cfg.TestKey, Label: ModeTest}
	}
}
