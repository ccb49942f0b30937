// Package scicat provides a client for the subset of the SciCat REST API used
// for ingestion. Requests are authenticated with a cached access token that is
// refreshed once when rejected, and failed requests are retried with linear
// backoff.
package scicat
