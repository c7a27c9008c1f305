// Package finance defines the personal-finance message catalog: the command
// and event vocabulary exchanged over the bus, with typed constructors for
// each message.
//
// Monetary amounts travel as decimal strings so wire round-trips stay exact
// regardless of codec number handling.
package finance

import "github.com/finwire/finbus"

// Command type tags.
const (
	TagCreateTransaction    = "create_transaction"
	TagUpdateTransaction    = "update_transaction"
	TagDeleteTransaction    = "delete_transaction"
	TagCreateBudget         = "create_budget"
	TagCreateInvoice        = "create_invoice"
	TagCreateInvestment     = "create_investment"
	TagCreateRetirementPlan = "create_retirement_plan"
	TagGenerateForecast     = "generate_forecast"
)

// Event type tags.
const (
	TagTransactionCreated    = "transaction_created"
	TagBudgetExceeded        = "budget_exceeded"
	TagInvoiceCreated        = "invoice_created"
	TagInvestmentCreated     = "investment_created"
	TagRetirementPlanCreated = "retirement_plan_created"
)

// Catalog returns the full finance message catalog, mapping every tag to
// its kind for topic derivation and wire reconstruction.
func Catalog() *finbus.Catalog {
	c := finbus.NewCatalog()

	c.Register(TagCreateTransaction, finbus.KindCommand)
	c.Register(TagUpdateTransaction, finbus.KindCommand)
	c.Register(TagDeleteTransaction, finbus.KindCommand)
	c.Register(TagCreateBudget, finbus.KindCommand)
	c.Register(TagCreateInvoice, finbus.KindCommand)
	c.Register(TagCreateInvestment, finbus.KindCommand)
	c.Register(TagCreateRetirementPlan, finbus.KindCommand)
	c.Register(TagGenerateForecast, finbus.KindCommand)

	c.Register(TagTransactionCreated, finbus.KindEvent)
	c.Register(TagBudgetExceeded, finbus.KindEvent)
	c.Register(TagInvoiceCreated, finbus.KindEvent)
	c.Register(TagInvestmentCreated, finbus.KindEvent)
	c.Register(TagRetirementPlanCreated, finbus.KindEvent)

	return c
}

// Commands

// NewCreateTransaction builds a create_transaction command.
func NewCreateTransaction(userID, transactionType, amount, category, date string) *finbus.Command {
	return finbus.NewCommand(TagCreateTransaction, map[string]any{
		"user_id":          userID,
		"transaction_type": transactionType,
		"amount":           amount,
		"category":         category,
		"date":             date,
	})
}

// NewUpdateTransaction builds an update_transaction command.
func NewUpdateTransaction(transactionID, userID, transactionType, amount, category, date string) *finbus.Command {
	return finbus.NewCommand(TagUpdateTransaction, map[string]any{
		"transaction_id":   transactionID,
		"user_id":          userID,
		"transaction_type": transactionType,
		"amount":           amount,
		"category":         category,
		"date":             date,
	})
}

// NewDeleteTransaction builds a delete_transaction command.
func NewDeleteTransaction(transactionID, userID string) *finbus.Command {
	return finbus.NewCommand(TagDeleteTransaction, map[string]any{
		"transaction_id": transactionID,
		"user_id":        userID,
	})
}

// NewCreateBudget builds a create_budget command for a month of a year.
func NewCreateBudget(userID, amount string, month, year int) *finbus.Command {
	return finbus.NewCommand(TagCreateBudget, map[string]any{
		"user_id": userID,
		"amount":  amount,
		"month":   month,
		"year":    year,
	})
}

// NewCreateInvoice builds a create_invoice command.
func NewCreateInvoice(userID, clientName, amount, dueDate, description string) *finbus.Command {
	return finbus.NewCommand(TagCreateInvoice, map[string]any{
		"user_id":     userID,
		"client_name": clientName,
		"amount":      amount,
		"due_date":    dueDate,
		"description": description,
	})
}

// NewCreateInvestment builds a create_investment command. riskLevel
// defaults to "medium" when empty.
func NewCreateInvestment(userID, investmentType, amount, expectedReturn, riskLevel string) *finbus.Command {
	if riskLevel == "" {
		riskLevel = "medium"
	}
	return finbus.NewCommand(TagCreateInvestment, map[string]any{
		"user_id":         userID,
		"investment_type": investmentType,
		"amount":          amount,
		"expected_return": expectedReturn,
		"risk_level":      riskLevel,
	})
}

// NewCreateRetirementPlan builds a create_retirement_plan command.
func NewCreateRetirementPlan(userID, targetAmount, monthlyContribution string, targetAge, currentAge int) *finbus.Command {
	return finbus.NewCommand(TagCreateRetirementPlan, map[string]any{
		"user_id":              userID,
		"target_amount":        targetAmount,
		"target_age":           targetAge,
		"monthly_contribution": monthlyContribution,
		"current_age":          currentAge,
	})
}

// NewGenerateForecast builds a generate_forecast command. forecastMonths
// defaults to 3 when non-positive.
func NewGenerateForecast(userID string, forecastMonths int) *finbus.Command {
	if forecastMonths <= 0 {
		forecastMonths = 3
	}
	return finbus.NewCommand(TagGenerateForecast, map[string]any{
		"user_id":         userID,
		"forecast_months": forecastMonths,
	})
}

// Events

// NewTransactionCreated builds a transaction_created event.
func NewTransactionCreated(transactionID, userID, transactionType, amount, category, date string) *finbus.Event {
	return finbus.NewEvent(TagTransactionCreated, map[string]any{
		"transaction_id":   transactionID,
		"user_id":          userID,
		"transaction_type": transactionType,
		"amount":           amount,
		"category":         category,
		"date":             date,
	})
}

// NewBudgetExceeded builds a budget_exceeded event.
func NewBudgetExceeded(userID string, month, year int, budgetAmount, actualAmount string) *finbus.Event {
	return finbus.NewEvent(TagBudgetExceeded, map[string]any{
		"user_id":       userID,
		"month":         month,
		"year":          year,
		"budget_amount": budgetAmount,
		"actual_amount": actualAmount,
	})
}

// NewInvoiceCreated builds an invoice_created event.
func NewInvoiceCreated(invoiceID, userID, clientName, amount, dueDate string) *finbus.Event {
	return finbus.NewEvent(TagInvoiceCreated, map[string]any{
		"invoice_id":  invoiceID,
		"user_id":     userID,
		"client_name": clientName,
		"amount":      amount,
		"due_date":    dueDate,
	})
}

// NewInvestmentCreated builds an investment_created event.
func NewInvestmentCreated(investmentID, userID, investmentType, amount, expectedReturn string) *finbus.Event {
	return finbus.NewEvent(TagInvestmentCreated, map[string]any{
		"investment_id":   investmentID,
		"user_id":         userID,
		"investment_type": investmentType,
		"amount":          amount,
		"expected_return": expectedReturn,
	})
}

// NewRetirementPlanCreated builds a retirement_plan_created event.
func NewRetirementPlanCreated(planID, userID, targetAmount, monthlyContribution string, targetAge int) *finbus.Event {
	return finbus.NewEvent(TagRetirementPlanCreated, map[string]any{
		"plan_id":              planID,
		"user_id":              userID,
		"target_amount":        targetAmount,
		"target_age":           targetAge,
		"monthly_contribution": monthlyContribution,
	})
}
