package internal

import "expvar"

var (
	refreshesTotal  = expvar.NewMap("modsync_refreshes_total")
	modulesChanged  = expvar.NewMap("modsync_modules_changed_total")
	modulesRemoved  = expvar.NewMap("modsync_modules_removed_total")
	reconcileErrors = expvar.NewMap("modsync_reconcile_errors_total")
	publishErrors   = expvar.NewMap("modsync_publish_errors_total")
)

// IncRefresh counts a refresh cycle by result (ok, skipped, fetch_error, ...).
func IncRefresh(repository, result string) {
	refreshesTotal.Add(repository+"."+result, 1)
}

func AddModulesChanged(repository string, n int) {
	modulesChanged.Add(repository, int64(n))
}

func AddModulesRemoved(repository string, n int) {
	modulesRemoved.Add(repository, int64(n))
}

func IncReconcileError(repository string) {
	reconcileErrors.Add(repository, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}
