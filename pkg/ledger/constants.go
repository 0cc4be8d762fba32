package ledger

const (
	operationAppend    = "append"
	operationGrant     = "grant"
	operationReconcile = "reconcile"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusDrift = "drift"

	defaultListLimit = 50
	maxListLimit     = 500
)
