package finance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finwire/finbus"
)

func TestCatalogCoversAllTags(t *testing.T) {
	c := Catalog()

	commands := []string{
		TagCreateTransaction, TagUpdateTransaction, TagDeleteTransaction,
		TagCreateBudget, TagCreateInvoice, TagCreateInvestment,
		TagCreateRetirementPlan, TagGenerateForecast,
	}
	for _, tag := range commands {
		kind, ok := c.KindOf(tag)
		require.True(t, ok, tag)
		assert.Equal(t, finbus.KindCommand, kind, tag)
	}

	events := []string{
		TagTransactionCreated, TagBudgetExceeded, TagInvoiceCreated,
		TagInvestmentCreated, TagRetirementPlanCreated,
	}
	for _, tag := range events {
		kind, ok := c.KindOf(tag)
		require.True(t, ok, tag)
		assert.Equal(t, finbus.KindEvent, kind, tag)
	}

	assert.Len(t, c.Topics(), len(commands)+len(events))
}

func TestCommandTopics(t *testing.T) {
	cmd := NewCreateTransaction("u-1", "expense", "10.00", "groceries", "2026-08-28")
	assert.Equal(t, "commands.create_transaction", finbus.TopicFor(cmd))

	evt := NewTransactionCreated("tx-1", "u-1", "expense", "10.00", "groceries", "2026-08-28")
	assert.Equal(t, "events.transaction_created", finbus.TopicFor(evt))
}

func TestConstructorDefaults(t *testing.T) {
	inv := NewCreateInvestment("u-1", "stocks", "1000.00", "0.07", "")
	assert.Equal(t, "medium", inv.Payload()["risk_level"])

	fc := NewGenerateForecast("u-1", 0)
	assert.Equal(t, 3, fc.Payload()["forecast_months"])
}

func TestCommandRoundTripThroughCatalog(t *testing.T) {
	c := Catalog()
	cmd := NewCreateBudget("u-1", "500.00", 8, 2026)

	msg, err := c.Reconstruct(cmd.Wire())
	require.NoError(t, err)
	assert.Equal(t, finbus.KindCommand, msg.Kind())
	assert.Equal(t, cmd.Wire().ID, msg.ID())
}
