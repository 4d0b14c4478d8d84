/*
Package log provides module-scoped zerolog loggers for the sidechain daemon.

Loggers are configured from a TOML file. All fields are optional.

 # default level for every module: debug/info/warn/error/fatal/panic
 level = "info"

 # output formatter: console, console_no_color, json
 formatter = "json"

 # print source file and line
 caller = false

 # timestamp layout, see time/format.go
 timefieldformat = "2006-01-02T15:04:05Z07:00"

 # stdout, stderr or a file path
 out = "stderr"

 # per module overrides; level and out are honoured
 [ledger]
 level = "debug"

 [stage]
 out = "/var/log/sidechain/stage.log"

The file is looked up as sidechainlog.toml in the working directory, or at the path
held by the SIDECHAIN_LOGCONFIG environment variable. The daemon may also hand a
sub tree of its own configuration to Configure before the first logger is created.
*/
package log

import (
	"errors"
	"os"
	"strings"
	"sync"

	colorable "github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	confFilePathKey     = "LOGCONFIG"
	confEnvPrefix       = "SIDECHAIN"
	defaultConfFileName = "sidechainlog"
)

var (
	baseLogger  = zerolog.New(os.Stderr)
	baseLevel   = zerolog.InfoLevel
	logInitLock sync.Mutex
	isLogInit   = false
	viperConf   = viper.New()
)

// Logger is a zerolog logger bound to one module.
type Logger struct {
	*zerolog.Logger
	name  string
	level zerolog.Level
}

func loadConfigFile() {
	viperConf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConf.SetEnvPrefix(confEnvPrefix)
	viperConf.AutomaticEnv()

	viperConf.SetConfigType("toml")
	viperConf.SetConfigName(defaultConfFileName)
	viperConf.AddConfigPath(".")

	if path := viperConf.GetString(confFilePathKey); path != "" {
		viperConf.SetConfigFile(path)
		baseLogger.Info().Str("file", path).Msg("loading log configuration")
	}

	if err := viperConf.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			baseLogger.Error().Err(err).Msg("failed to read log configuration")
		}
	}
}

// Configure replaces the log settings with conf. It only has an effect on
// loggers created afterwards, so call it first thing in main.
func Configure(conf map[string]interface{}) {
	logInitLock.Lock()
	defer logInitLock.Unlock()

	viperConf = viper.New()
	for k, v := range conf {
		viperConf.Set(k, v)
	}
	baseLogger = zerolog.New(os.Stderr)
	initLog()
	isLogInit = true
}

func initLog() {
	if layout := viperConf.GetString("timefieldformat"); layout != "" {
		zerolog.TimeFieldFormat = layout
	}

	out := os.Stderr
	if name := viperConf.GetString("out"); name != "" {
		if o, err := getOutput(name); err == nil {
			out = o
			baseLogger = baseLogger.Output(out)
		} else {
			baseLogger.Warn().Err(err).Str("out", name).Msg("cannot open log output, keeping stderr")
		}
	}

	switch formatter := strings.ToLower(viperConf.GetString("formatter")); formatter {
	case "", "json":
		baseLogger = baseLogger.Output(out)
	case "console":
		baseLogger = baseLogger.Output(zerolog.ConsoleWriter{
			Out: colorable.NewColorable(out), TimeFormat: zerolog.TimeFieldFormat})
	case "console_no_color":
		baseLogger = baseLogger.Output(zerolog.ConsoleWriter{
			Out: out, NoColor: true, TimeFormat: zerolog.TimeFieldFormat})
	default:
		baseLogger.Warn().Str("formatter", formatter).Msg("unknown formatter, use console/console_no_color/json")
		baseLogger = baseLogger.Output(out)
	}

	if viperConf.GetBool("caller") {
		baseLogger = baseLogger.With().Caller().Logger()
	}

	baseLevel = parseLevel(viperConf.GetString("level"), zerolog.InfoLevel)
	baseLogger = baseLogger.With().Timestamp().Logger().Level(baseLevel)
}

func parseLevel(level string, fallback zerolog.Level) zerolog.Level {
	if level == "" {
		return fallback
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		baseLogger.Warn().Err(err).Str("level", level).Msg("invalid log level")
		return fallback
	}
	return l
}

// NewLogger returns a logger that tags every event with module=moduleName.
func NewLogger(moduleName string) *Logger {
	logInitLock.Lock()
	defer logInitLock.Unlock()

	if !isLogInit {
		loadConfigFile()
		initLog()
		isLogInit = true
	}

	zLogger := baseLogger.With().Str("module", moduleName).Logger()
	zLevel := baseLevel

	if sub := viperConf.Sub(moduleName); sub != nil {
		if name := sub.GetString("out"); name != "" {
			if out, err := getOutput(name); err == nil {
				zLogger = zLogger.Output(out)
			} else {
				baseLogger.Warn().Err(err).Str("out", name).Str("module", moduleName).Msg("cannot open module log output")
			}
		}
		if level := sub.GetString("level"); level != "" {
			zLevel = parseLevel(level, zerolog.InfoLevel)
			zLogger = zLogger.Level(zLevel)
		}
	}

	return &Logger{Logger: &zLogger, name: moduleName, level: zLevel}
}

// Default returns the base logger without a module tag.
func Default() *Logger {
	logInitLock.Lock()
	defer logInitLock.Unlock()

	if !isLogInit {
		initLog()
		isLogInit = true
	}
	return &Logger{Logger: &baseLogger, level: baseLevel}
}

var errEmptyName = errors.New("empty output name")

// getOutput maps stdout, stderr or a file path to a writer.
func getOutput(name string) (*os.File, error) {
	switch name {
	case "":
		return nil, errEmptyName
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0644)
	}
}

// IsDebugEnabled reports whether debug events will be written.
func (logger *Logger) IsDebugEnabled() bool {
	return logger.level <= zerolog.DebugLevel
}

// Level returns the logger level name.
func (logger *Logger) Level() string {
	return logger.level.String()
}

// Name returns the module name, empty for the default logger.
func (logger *Logger) Name() string {
	return logger.name
}
