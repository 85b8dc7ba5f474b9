package server

import "github.com/datatrails/go-datatrails-common/logger"

func testLogger() logger.Logger {
	logger.New("NOOP")
	return logger.Sugar.WithServiceName("server-test")
}
