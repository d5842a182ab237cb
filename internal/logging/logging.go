// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level, the encoder and extra sinks. Extra writers
// always receive console-encoded lines so /api/logs stays readable.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // console|json
	Stderr io.Writer
	Extra  []io.Writer
}

func New(o Options) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(o.Level)); err != nil {
		return nil, fmt.Errorf("logging: level %q: %w", o.Level, err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch o.Format {
	case "", "console":
		enc = consoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", o.Format)
	}

	stderr := o.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(stderr)), lvl)}
	for _, w := range o.Extra {
		cores = append(cores, zapcore.NewCore(consoleEncoder(encCfg), zapcore.AddSync(w), lvl))
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar(), nil
}

func consoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}
