// Package jobnode knows where a job's state lives in the registry and gives
// subsystems job-scoped access to it.
//
// Layout:
//
//	/$Jobs/<job>/config/<field>
//	/$Jobs/<job>/servers/<executor>/{status,ip,processSuccessCount,processFailureCount,runOneTime,stopOneTime,sharding}
//	/$Jobs/<job>/execution/<item>/{running,completed,failover,lastBeginTime,lastCompleteTime,jobMsg}
//	/$Jobs/<job>/leader/election/instance
//	/$Jobs/<job>/leader/sharding/{necessary,processing}
//	/$Jobs/<job>/leader/failover/items/<item>
//	/$Jobs/<job>/analyse/{processCount,errorCount}
//	/$Jobs/<job>/control/report
//	/$SaturnExecutors/executors/<executor>/ip
package jobnode

import (
	"strconv"

	"shardex/internal/registry"
)

const (
	JobsRoot      = "/$Jobs"
	ExecutorsRoot = "/$SaturnExecutors/executors"

	ConfigDir    = "config"
	ServersDir   = "servers"
	ExecutionDir = "execution"
	LeaderDir    = "leader"
	AnalyseDir   = "analyse"
	ControlDir   = "control"
)

// Config field names under /$Jobs/<job>/config.
const (
	FieldJobType                = "jobType"
	FieldCron                   = "cron"
	FieldPausePeriodDate        = "pausePeriodDate"
	FieldPausePeriodTime        = "pausePeriodTime"
	FieldProcessCountInterval   = "processCountIntervalSeconds"
	FieldShardingTotalCount     = "shardingTotalCount"
	FieldShardingItemParameters = "shardingItemParameters"
	FieldJobParameter           = "jobParameter"
	FieldTimeZone               = "timeZone"
	FieldEnabled                = "enabled"
	FieldFailover               = "failover"
	FieldTimeoutSeconds         = "timeoutSeconds"
	FieldDescription            = "description"
	FieldLocalMode              = "localMode"
	FieldToDelete               = "toDelete"
)

// Server leaf names under /$Jobs/<job>/servers/<executor>.
const (
	ServerStatus         = "status"
	ServerIP             = "ip"
	ServerProcessSuccess = "processSuccessCount"
	ServerProcessFailure = "processFailureCount"
	ServerRunOneTime     = "runOneTime"
	ServerStopOneTime    = "stopOneTime"
	ServerSharding       = "sharding"
)

// Execution leaf names under /$Jobs/<job>/execution/<item>.
const (
	ExecRunning          = "running"
	ExecCompleted        = "completed"
	ExecFailover         = "failover"
	ExecLastBeginTime    = "lastBeginTime"
	ExecLastCompleteTime = "lastCompleteTime"
	ExecJobMsg           = "jobMsg"
)

// JobRoot is the root of everything a job owns in the registry.
func JobRoot(job string) string { return registry.Join(JobsRoot, job) }

// Path returns an absolute path below the job root.
func Path(job string, parts ...string) string {
	return registry.Join(append([]string{JobsRoot, job}, parts...)...)
}

func ConfigPath(job, field string) string { return Path(job, ConfigDir, field) }

func ServersPath(job string) string { return Path(job, ServersDir) }

func ServerPath(job, executor string, leaf ...string) string {
	return Path(job, append([]string{ServersDir, executor}, leaf...)...)
}

func ExecutionRoot(job string) string { return Path(job, ExecutionDir) }

func ExecutionPath(job string, item int, leaf ...string) string {
	return Path(job, append([]string{ExecutionDir, strconv.Itoa(item)}, leaf...)...)
}

func LeaderPath(job string, leaf ...string) string {
	return Path(job, append([]string{LeaderDir}, leaf...)...)
}

func ElectionInstancePath(job string) string { return LeaderPath(job, "election", "instance") }

func ShardingNecessaryPath(job string) string { return LeaderPath(job, "sharding", "necessary") }

func ShardingProcessingPath(job string) string { return LeaderPath(job, "sharding", "processing") }

func FailoverItemsPath(job string) string { return LeaderPath(job, "failover", "items") }

func AnalysePath(job, leaf string) string { return Path(job, AnalyseDir, leaf) }

func ControlReportPath(job string) string { return Path(job, ControlDir, "report") }

func ExecutorIPPath(executor string) string { return registry.Join(ExecutorsRoot, executor, "ip") }
