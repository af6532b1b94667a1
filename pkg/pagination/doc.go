// Package pagination fetches the pages of one content part in parallel.
//
// A part manifest lists page image URLs. The batch fetcher distributes
// them over a small worker pool and returns the images in manifest order.
// A part is only useful when complete, so the first failed page cancels
// the remaining work and fails the batch.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(pages, pagination.DefaultConfig())
//	images, err := fetcher.FetchAll(ctx, manifest.PageURLs)
package pagination
