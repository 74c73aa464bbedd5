package runtime

import (
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/identity"
)

// init installs a default global zap logger. Applications may replace it
// with zap.ReplaceGlobals(...) before calling New if they need custom
// logging.
func init() {
	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// Runtime is the explicit, constructed-once value threaded through the
// broker instead of module-level globals (see the design notes on global
// state: the identity key and the environment-derived configuration are
// process-wide, but never hidden behind package state).
type Runtime struct {
	Config *Config
	ID     *identity.Identity
	Log    *zap.Logger
}

// New parses the config's private key into an Identity and returns a Runtime
// ready to be passed to constructors for the clearing client, orchestrator,
// worker server, and hirer.
func New(cfg *Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id, err := identity.Load(cfg.PrivateKey, cfg.ENSName)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Config: cfg,
		ID:     id,
		Log:    zap.L(),
	}, nil
}
