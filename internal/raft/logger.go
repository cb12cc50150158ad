package raft

import (
	etcdraft "go.etcd.io/raft/v3"
	"go.uber.org/zap"
)

// raftLogger routes etcd raft's logging into zap.
type raftLogger struct {
	*zap.SugaredLogger
}

var _ etcdraft.Logger = raftLogger{}

func newRaftLogger(lg *zap.Logger) raftLogger {
	return raftLogger{lg.Sugar()}
}

func (l raftLogger) Warning(v ...interface{}) { l.Warn(v...) }

func (l raftLogger) Warningf(format string, v ...interface{}) { l.Warnf(format, v...) }
