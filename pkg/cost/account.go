package cost

import (
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// Account accumulates the cost of one run. It is not safe for concurrent use.
type Account struct {
	budget      pipeline.CostBudget
	accumulated pipeline.TokenCost
	charges     int
}

// NewAccount opens an account with the given budget and any cost already
// accumulated by a previous controller of the same run.
func NewAccount(budget pipeline.CostBudget, accumulated pipeline.TokenCost) *Account {
	return &Account{budget: budget, accumulated: accumulated}
}

// Charge adds amount to the account and returns the new total. Once the
// total reaches the limit every call returns a budget-class error.
func (a *Account) Charge(amount pipeline.TokenCost) (pipeline.TokenCost, error) {
	a.accumulated = a.accumulated.Add(amount)
	a.charges++

	if !a.budget.IsSet() || !a.budget.ExceededBy(a.accumulated) {
		return a.accumulated, nil
	}
	return a.accumulated, pipeline.NewBudgetExceeded(a.accumulated, a.budget)
}

// WouldExceed reports whether the limit has been reached. No new work may be
// dispatched once it returns true.
func (a *Account) WouldExceed() bool {
	return a.budget.IsSet() && a.budget.ExceededBy(a.accumulated)
}

// Accumulated returns the running total.
func (a *Account) Accumulated() pipeline.TokenCost { return a.accumulated }

// Budget returns the configured limit.
func (a *Account) Budget() pipeline.CostBudget { return a.budget }

// Charges returns the number of charges applied since the account opened.
func (a *Account) Charges() int { return a.charges }

// ExceededError returns the budget error for the current total, or nil when
// the limit has not been reached.
func (a *Account) ExceededError() error {
	if !a.WouldExceed() {
		return nil
	}
	return pipeline.NewBudgetExceeded(a.accumulated, a.budget)
}
