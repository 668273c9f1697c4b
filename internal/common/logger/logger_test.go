package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestZapWrapper_FieldsAndScopes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapAdapter(zap.New(core)).Named("ledger").WithFields(map[string]interface{}{
		"backend": "memory",
	})

	log.Info("request created", map[string]interface{}{
		"requestId": "abc",
		"cause":     errors.New("boom"),
	})
	log.WithError(errors.New("late")).Warn("submission rejected", nil)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "ledger", entries[0].LoggerName)
		ctx := entries[0].ContextMap()
		assert.Equal(t, "memory", ctx["backend"])
		assert.Equal(t, "abc", ctx["requestId"])
		assert.Equal(t, "boom", ctx["cause"])

		assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
		assert.Equal(t, "late", entries[1].ContextMap()["error"])
	}
}

func TestNewNoOpLogger(t *testing.T) {
	log := NewNoOpLogger()
	assert.NotPanics(t, func() {
		log.Debug("x", nil)
		log.WithFields(nil).Error("y", map[string]interface{}{"k": 1})
	})
}
