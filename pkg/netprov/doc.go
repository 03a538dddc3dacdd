// Package netprov ensures the three fixed bridge networks a run's
// container can join exist before any run needs them: a general-purpose
// network every container joins, an internal network with no route out
// for bundles that request no network access, and an external network for
// bundles that do. Creation is idempotent: an existing network is reused
// rather than treated as an error. Teardown is not: a network the runtime
// fails to remove (including one that no longer exists) is reported as an
// error.
package netprov
