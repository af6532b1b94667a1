package client

import (
	"fmt"
	"net/url"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

// Kind selects the upstream endpoint of a Request.
type Kind string

const (
	KindSearch  Kind = "search"
	KindContent Kind = "content"
	KindPart    Kind = "part"
	KindPage    Kind = "page"
)

// Request describes one logical upstream call.
type Request struct {
	Kind       Kind
	Query      string
	Filters    map[string]string
	ContentID  int64
	PartNumber float64
	// URL is the absolute address of a page image.
	URL string
}

// SearchRequest builds a catalogue search.
func SearchRequest(query string, filters map[string]string) Request {
	return Request{Kind: KindSearch, Query: query, Filters: filters}
}

// ContentRequest builds a single-title lookup.
func ContentRequest(id int64) Request {
	return Request{Kind: KindContent, ContentID: id}
}

// PartRequest builds a part manifest lookup.
func PartRequest(contentID int64, number float64) Request {
	return Request{Kind: KindPart, ContentID: contentID, PartNumber: number}
}

// PageRequest builds a page image download.
func PageRequest(pageURL string) Request {
	return Request{Kind: KindPage, URL: pageURL}
}

// Resource returns the upstream path of the request relative to the base
// URL, or the absolute URL for pages. It also names the resource in ban
// alerts and logs.
func (r Request) Resource() string {
	switch r.Kind {
	case KindSearch:
		v := url.Values{}
		v.Set("search", r.Query)
		for k, val := range r.Filters {
			v.Set(k, val)
		}
		return "/?" + v.Encode()
	case KindContent:
		return fmt.Sprintf("/%d", r.ContentID)
	case KindPart:
		return fmt.Sprintf("/%d/chapter/%s", r.ContentID, model.FormatPartNumber(r.PartNumber))
	case KindPage:
		return r.URL
	default:
		return "/"
	}
}
