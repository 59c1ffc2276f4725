/*
Package pipeline drives one deployment through the fixed stage
sequence build, test, security-scan, deploy, validate.

Stages run strictly in order; a stage starts only after the previous
one succeeded. The deploy stage is gated by a human approval for
environments whose policy requires one, and a failed or cancelled
deploy unwinds through the strategy's rollback. Every run ends in the
tracker's atomic store-and-clear, so the execution is never visible as
both in-progress and terminal.
*/
package pipeline
