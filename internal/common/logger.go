// Package common holds process-wide helpers shared by the lighthouse server and
// replica agents.
package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

const (
	ENVKeyLighthouseRuntime = "LIGHTHOUSE_RUNTIME"
	ENVConfigFilePath       = "LIGHTHOUSE_CONFIG_PATH"
)

func IsProdRuntime() bool {
	runEnvVal, hasEnv := os.LookupEnv(ENVKeyLighthouseRuntime)
	if !hasEnv {
		return false
	}
	return strings.EqualFold(runEnvVal, "prod")
}

// InitLogger returns a logr.Logger backed by zap. It panics if zap cannot be
// configured, since nothing useful can run without a logger.
func InitLogger() logr.Logger {
	zapLogger, err := BuildZapLogger()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize zap logger %v", err))
	}
	return zapr.NewLogger(zapLogger)
}

func BuildZapLogger() (*zap.Logger, error) {
	var logConfig zap.Config
	if IsProdRuntime() {
		logConfig = zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return logConfig.Build()
}
