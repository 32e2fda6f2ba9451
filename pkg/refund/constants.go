package refund

const (
	operationInitiate = "initiate_refund"
	operationProcess  = "process_refund"
	operationCancel   = "cancel_refund"
	operationNotify   = "notify_holder"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
