// Package api exposes the REST surface of the custody agent: goal
// submission, approval decisions, wallet balances and deposit
// verification. Handlers stay thin and delegate to the domain services.
package api
