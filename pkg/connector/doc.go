// Package connector groups the vendor connector framework.
//
// The sub-packages are organized as follows:
//
//   - core: the Source contract every vendor implements (Authenticate,
//     FetchRaw, Normalize, MaxLookback) plus the Submitter and
//     CheckpointStore seams used by the orchestrator.
//
//   - base: BaseSource, embedded by every vendor. It owns the token
//     provider, request timeouts and JSON/raw request helpers that classify
//     failures into the error taxonomy. It also carries RetryPolicy and
//     HealthChecker.
//
//   - registry: factory registration by connector type. Vendors register
//     from init(); importing sources links all of them.
//
//   - sources: dexcom (JSON REST, epoch templates), librelinkup (JSON REST,
//     calendar timestamps, region redirects) and mylife (SOAP with an
//     encrypted archive payload).
//
// # Writing a connector
//
// A connector embeds BaseSource, installs its login with UseLogin and
// implements FetchRaw and Normalize:
//
//	type Source struct {
//		*base.BaseSource
//	}
//
//	func New(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
//		s := &Source{BaseSource: base.NewBaseSource(cfg, deps)}
//		s.UseLogin(s.login)
//		return s, nil
//	}
//
//	func init() {
//		registry.MustRegister(registry.ConnectorInfo{Type: "acme"}, New)
//	}
//
// Record-level problems go into Normalized.RecordErrors; only failures that
// invalidate the whole payload are returned as errors.
package connector
