// Package main hosts the event catalog crawler entrypoint.
//
// Architecture overview:
//   - Source registry: configs/sources.yaml declares each listing source (URL template, selectors or
//     embedded-JSON keys, paging limits, detail enrichment). Multi-city sources expand into one source per target.
//   - Listing: browser sources are walked page by page in one chromedp tab, resolving anti-bot challenges through
//     the challenge resolver; embedded-JSON sources are fetched with colly and decoded from an inline script.
//   - Enrichment: detail pages are opened on a bounded pool of tabs; failures drop the item with a recorded reason.
//   - Normalization: free-form Russian date text becomes start/end timestamps in the pipeline time zone; undated
//     items are dropped. Entities come from performer tags, Gemini extraction (cached in Redis), or the title.
//   - Merge: events are deduplicated by (title, start); new ones are created and known ones patched in one
//     Postgres transaction (or the in-memory store for local runs), optionally with per-event savepoints.
//   - Reporting: every run emits a RunReport to Pub/Sub (or memory) and Prometheus metrics.
//
// Commands:
//   - eventcrawler run <source>... | --all   one-shot runs, reports printed as JSON
//   - eventcrawler serve                      HTTP API (/v1/sources, /v1/runs) plus /healthz, /readyz, /metrics
//   - eventcrawler migrate                    apply the catalog schema
//   - eventcrawler sources                    list registered sources
//
// Configuration comes from --config and EVENTCRAWLER_* environment variables, e.g.
// EVENTCRAWLER_DATABASE_DSN, EVENTCRAWLER_SOLVER_API_KEY, EVENTCRAWLER_REDIS_ADDR.
package main
