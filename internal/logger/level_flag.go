package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{onLevelAvailable: onLevelAvailable}
}

// StringToLevel accepts a level name or a positive logr verbosity.
func StringToLevel(value string) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 || v > 127 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}
	// logr verbosity n maps to zap level -n.
	return zapcore.Level(int8(-v)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue)
	if err != nil {
		return err
	}
	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = &LevelFlagValue{}
