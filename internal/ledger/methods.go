package ledger

// methodRule is the static required-field set for one payment method.
// Validation walks the rule generically instead of branching per method.
type methodRule struct {
	NeedsCompanyBank      bool
	NeedsCounterpartyBank bool
	NeedsInstrument       bool
	CreditFunded          bool
}

var methodRules = map[PaymentMethod]methodRule{
	MethodCash:               {},
	MethodBankTransfer:       {NeedsCompanyBank: true, NeedsCounterpartyBank: true, NeedsInstrument: true},
	MethodCheque:             {NeedsCompanyBank: true, NeedsInstrument: true},
	MethodCrossCheque:        {NeedsCompanyBank: true, NeedsInstrument: true},
	MethodCashDeposit:        {NeedsCounterpartyBank: true, NeedsInstrument: true},
	MethodCounterpartyCredit: {CreditFunded: true},
	MethodOther:              {},
}

// validateMethodFields enforces the per-method required-field table.
// A missing counterparty bank account may be substituted by temporary
// bank details; a chosen temporary account with empty details is an
// error of its own.
func validateMethodFields(in ApplyPaymentInput) error {
	rule, ok := methodRules[in.Method]
	if !ok {
		return fieldErr("method", "unknown payment method")
	}

	if rule.NeedsCompanyBank && in.CompanyBankAccountID == nil {
		return fieldErr("company_bank_account_id", "required for method "+string(in.Method))
	}

	if rule.NeedsCounterpartyBank {
		hasAccount := in.CounterpartyBankAccountID != nil
		hasTemp := in.TempBankName != nil || in.TempBankAccountNo != nil
		switch {
		case !hasAccount && !hasTemp:
			return fieldErr("counterparty_bank_account_id", "required for method "+string(in.Method))
		case !hasAccount && hasTemp:
			if in.TempBankName == nil || *in.TempBankName == "" {
				return fieldErr("temp_bank_name", "required when using a temporary bank account")
			}
			if in.TempBankAccountNo == nil || *in.TempBankAccountNo == "" {
				return fieldErr("temp_bank_account_no", "required when using a temporary bank account")
			}
		}
	}

	if rule.NeedsInstrument && (in.InstrumentNo == nil || *in.InstrumentNo == "") {
		return fieldErr("instrument_no", "required for method "+string(in.Method))
	}

	return nil
}

// isCreditFunded reports whether the method draws on the counterparty's
// stored credit rather than new money.
func isCreditFunded(m PaymentMethod) bool {
	return methodRules[m].CreditFunded
}
