/*
Package approval implements the human approval gate for deployments
into protected environments.

A pipeline headed for staging or production requests an approval and
blocks on Gate.Await. Operators resolve the request through Approve or
Reject; requests that outlive their window are expired by the sweeper
or by the waiter's own deadline timer, whichever fires first. A
resolved approval is immutable: late decisions get a conflict (already
decided) or expiry (deadline passed) error, never a second transition.

At most one approval exists per execution. Records persist in BoltDB so
pending gates survive a restart, and resolutions serialize through the
lock manager so concurrent deciders cannot both win.
*/
package approval
