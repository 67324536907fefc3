package build

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	logFileName     = "settle.log"
	jsonLogFileName = "settle.log.json"
)

type tunableLogger interface {
	setLevel(level logrus.Level)
	setDir(dir string) error
	setConsole(w io.Writer)
}

type hook struct {
	console     *consoleLogHook
	jsonFile    *jsonFileHook
	regularFile *humanReadableFileHook
}

var _ tunableLogger = &hook{}

func (h *hook) setDir(dir string) error {
	jsonFile, err := openFileForAppend(filepath.Join(dir, jsonLogFileName))
	if err != nil {
		return fmt.Errorf("could not open JSON log file: %w", err)
	}
	h.jsonFile.file = jsonFile

	regularFile, err := openFileForAppend(filepath.Join(dir, logFileName))
	if err != nil {
		return fmt.Errorf("could not open regular log file: %w", err)
	}
	h.regularFile.file = regularFile
	return nil
}

func (h *hook) setLevel(level logrus.Level) {
	h.console.setLevel(level)
	h.jsonFile.setLevel(level)
	h.regularFile.setLevel(level)
}

func (h *hook) setConsole(w io.Writer) {
	h.console.out = w
}

var logConfigLock sync.Mutex
var subsystemHooks = map[string]tunableLogger{}

// consoleOutput is where console hooks created from now on write to
var consoleOutput io.Writer = os.Stdout

// SetLogLevel sets the level of a single subsystem. Unknown subsystems
// are ignored.
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	hook, ok := subsystemHooks[subsystem]
	if !ok {
		return
	}
	hook.setLevel(level)
}

// SetLogLevels sets the level of every registered subsystem
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		hook.setLevel(level)
	}
}

// SetConsoleOutput redirects console logging for all subsystems. Used when
// stdout is reserved for machine readable run reports.
func SetConsoleOutput(w io.Writer) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	consoleOutput = w
	for _, hook := range subsystemHooks {
		hook.setConsole(w)
	}
}

// Subsystems lists the names of all registered subsystem loggers
func Subsystems() []string {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	names := make([]string, 0, len(subsystemHooks))
	for name := range subsystemHooks {
		names = append(names, name)
	}
	return names
}

// AddSubLogger creates a new logger with a standard format
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(io.Discard) // everything goes through the hooks
	// the logger itself lets everything through, hooks do the filtering
	logger.SetLevel(logrus.TraceLevel)

	jsonHook := &jsonFileHook{
		hasLevel:  hasLevel{level: logrus.InfoLevel},
		subsystem: subsystem,
	}
	fileHook := &humanReadableFileHook{
		hasLevel:  hasLevel{level: logrus.InfoLevel},
		subsystem: subsystem,
	}
	consoleHook := &consoleLogHook{
		hasLevel:  hasLevel{level: logrus.InfoLevel},
		subsystem: subsystem,
		out:       consoleOutput,
	}
	logger.AddHook(jsonHook)
	logger.AddHook(fileHook)
	logger.AddHook(consoleHook)
	subsystemHooks[subsystem] = &hook{
		console:     consoleHook,
		jsonFile:    jsonHook,
		regularFile: fileHook,
	}

	return logger
}

func openFileForAppend(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// SetLogDir makes all subsystems write log files to the given directory,
// creating it if necessary
func SetLogDir(dir string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}

	for _, hook := range subsystemHooks {
		if err := hook.setDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal", "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

// GinLoggingMiddleWare returns a middleware that logs incoming requests with
// Logrus. Request bodies are not read for paths in the blacklist.
func GinLoggingMiddleWare(logger *logrus.Logger, level logrus.Level, blacklist []string) gin.HandlerFunc {
	blackListMap := make(map[string]struct{})
	for _, elem := range blacklist {
		blackListMap[elem] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})

		var bodyBytes []byte
		if _, found := blackListMap[path]; !found && c.Request.Body != nil {
			// we don't check the error here, as we later check for 0 length anyways
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		if query := c.Request.URL.Query(); len(query) > 0 {
			withFields = withFields.WithField("query", query)
		}
		if len(bodyBytes) != 0 {
			withFields = withFields.WithField("body", string(bodyBytes))
		}

		c.Next()

		status := c.Writer.Status()
		withFields = withFields.WithFields(logrus.Fields{
			"status":  status,
			"latency": time.Since(start),
		})

		// private errors are not shown to the caller, but are useful in logs
		if privateErrors := c.Errors.ByType(gin.ErrorTypePrivate); len(privateErrors) > 0 {
			withFields = withFields.WithField("privateErrors", privateErrors)
		}
		if publicErrors := c.Errors.ByType(gin.ErrorTypePublic); len(publicErrors) > 0 {
			withFields = withFields.WithField("publicErrors", publicErrors)
		}

		requestLevel := level
		if status >= 300 {
			requestLevel = logrus.ErrorLevel
		}
		withFields.Logf(requestLevel, "HTTP %s %s: %d", c.Request.Method, path, status)
	}
}

type consoleLogHook struct {
	hasLevel
	subsystem string
	out       io.Writer
}

var _ logrus.Hook = &consoleLogHook{}
var consoleFormat = logrus.TextFormatter{
	TimestampFormat: "15:04:05",
	ForceColors:     true,
	FullTimestamp:   true,
}

func (c *consoleLogHook) Fire(entry *logrus.Entry) error {
	if entry == nil || c.level < entry.Level || c.out == nil {
		return nil
	}

	// prefix the subsystem without touching the shared entry
	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)

	formatted, err := consoleFormat.Format(&copied)
	if err != nil {
		return err
	}

	_, err = c.out.Write(formatted)
	return err
}

type humanReadableFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &humanReadableFileHook{}
var fileHookFormat = logrus.TextFormatter{
	ForceColors:     true,
	TimestampFormat: time.RFC3339,
	FullTimestamp:   true,
}

const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRegex = regexp.MustCompile(ansi)

func (h *humanReadableFileHook) Fire(entry *logrus.Entry) error {
	if h.file == nil || entry == nil || h.level < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", h.subsystem, entry.Message)
	formatted, err := fileHookFormat.Format(&copied)
	if err != nil {
		return err
	}

	// logrus lays out colored and uncolored output differently. we format
	// with colors to match the console and strip the codes afterwards
	stripped := ansiRegex.ReplaceAll(formatted, nil)
	_, err = h.file.Write(stripped)
	return err
}

type jsonFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &jsonFileHook{}
var jsonHookFormat = logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

func (j *jsonFileHook) Fire(entry *logrus.Entry) error {
	if j.file == nil || entry == nil || j.level < entry.Level {
		return nil
	}

	// WithField copies the data map but not message and level, so those are
	// carried over by hand. the original entry is shared with other hooks
	withSubsystem := entry.WithField("subsystem", j.subsystem)
	withSubsystem.Message = entry.Message
	withSubsystem.Level = entry.Level
	withSubsystem.Time = entry.Time
	formatted, err := jsonHookFormat.Format(withSubsystem)
	if err != nil {
		return err
	}

	_, err = j.file.Write(formatted)
	return err
}

type hasLevel struct {
	level logrus.Level
}

// Levels satisfies logrus.Hook. Level filtering happens in Fire, so that
// levels can be changed after the hook is registered.
func (h *hasLevel) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hasLevel) setLevel(level logrus.Level) {
	h.level = level
}
