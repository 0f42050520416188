// Package secindex provides a Go client for the secindex search API.
//
// # Low-level API
//
//	client, _ := secindex.New("http://localhost:8080", secindex.WithAPIKey(key))
//	res, _ := client.Search(ctx, secindex.SearchRequest{Query: "is:critical product:openssl"})
//	for _, h := range res.Hits {
//	    fmt.Println(h.ID, h.Score)
//	}
//
// # Fluent API with typed documents
//
//	type Advisory struct {
//	    ID       string  `json:"cve"`
//	    Title    string  `json:"title"`
//	    Severity string  `json:"severity"`
//	}
//
//	hits, _ := secindex.Query[Advisory](client, "is:high -is:fixed").
//	    Limit(20).
//	    Full().
//	    Do(ctx)
package secindex
