package model

// Payment record keys. Anything else on the line comes from urlParams.
const (
	PaymentBatchID      = "batchId"
	PaymentBatchName    = "batchName"
	PaymentPlatformID   = "platformId"
	PaymentIntroDone    = "introDone"
	PaymentExitStatus   = "exitStatus"
	PaymentExportErrors = "exportErrors"
)

// PaymentRecord is one line of the payment-eligibility log. It is written
// once and never updated.
type PaymentRecord map[string]any

// ExportErrors returns the annotations attached at export time. It accepts
// both a freshly built record and one decoded back from JSON.
func (r PaymentRecord) ExportErrors() []string {
	switch v := r[PaymentExportErrors].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// NewPaymentRecord builds the record for p in batch b. urlParams are copied
// onto the line first; a query parameter can never overwrite a core key.
func NewPaymentRecord(p Participant, b Batch, exportErrors []string) PaymentRecord {
	if exportErrors == nil {
		exportErrors = []string{}
	}
	var exitStatus any
	if s := p.ExitStatus(); s != "" {
		exitStatus = s
	}
	rec := PaymentRecord{}
	for k, v := range p.URLParams() {
		rec[k] = v
	}
	rec[PaymentBatchID] = b.ID
	rec[PaymentBatchName] = b.Config.BatchName
	rec[PaymentPlatformID] = p.PlatformID()
	rec[PaymentIntroDone] = p.Bool(FieldIntroDone)
	rec[PaymentExitStatus] = exitStatus
	rec[PaymentExportErrors] = exportErrors
	return rec
}
