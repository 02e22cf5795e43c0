package credits

const (
	operationReserve      = "reserve"
	operationConfirm      = "confirm"
	operationRefund       = "refund"
	operationBootstrap    = "bootstrap"
	operationPurchase     = "purchase"
	operationChargeback   = "chargeback"
	operationQuotaConsume = "quota_consume"
	operationSweep        = "sweep"

	operationStatusOK           = "ok"
	operationStatusError        = "error"
	operationStatusInsufficient = "insufficient"
	operationStatusDuplicate    = "duplicate"

	subjectBalance = "balance"
	subjectEntry   = "entry"
	subjectPayment = "payment"
	subjectQuota   = "quota"

	codeClampTriggered = "clamp_triggered"
	codeClosed         = "closed"
	codeCompensation   = "compensation"

	referenceTypePayment = "payment"
	referenceTypeEntry   = "ledger_entry"

	descriptionWelcomeGrant  = "welcome grant"
	descriptionReservation   = "generation reservation"
	descriptionRefundPrefix  = "reservation refund: "
	descriptionPurchase      = "credit purchase"
	descriptionChargeback    = "provider refund"
	reasonReservationTimeout = "reservation_timeout"

	defaultWelcomeGrant   = 10
	defaultGuestAllowance = 3

	auditKindReserve      = "credits.reserve"
	auditKindConfirm      = "credits.confirm"
	auditKindRefund       = "credits.refund"
	auditKindWelcome      = "credits.welcome"
	auditKindPurchase     = "payments.purchase"
	auditKindDuplicate    = "payments.duplicate"
	auditKindChargeback   = "payments.chargeback"
	auditKindCompensation = "payments.compensation"
	auditKindQuotaConsume = "quota.consume"
	auditKindSweepRefund  = "sweep.refund"
	auditStatusApplied    = "applied"
	auditStatusSkipped    = "skipped"
	auditStatusActionable = "actionable"
)
