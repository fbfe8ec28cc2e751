package ghgovernor_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/ambiyansyah-risyal/ghgovernor"
)

func ExampleGovernor_Get() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, `{"login":"octocat"}`)
	}))
	defer srv.Close()

	gov, err := ghgovernor.New(ghgovernor.WithGlobalQPS(1000), ghgovernor.WithJitter(0))
	if err != nil {
		panic(err)
	}

	for i := 0; i < 2; i++ {
		resp, err := gov.Get(context.Background(), srv.URL+"/user")
		if err != nil {
			panic(err)
		}
		fmt.Println(resp.StatusCode, len(resp.Body))
	}
	// Output:
	// 200 19
	// 304 0
}

func ExampleGovernor_PaginateWithETag() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `[{"id":1},{"id":2}]`)
			return
		}
		fmt.Fprint(w, `[{"id":3}]`)
	}))
	defer srv.Close()

	gov, err := ghgovernor.New(ghgovernor.WithGlobalQPS(1000), ghgovernor.WithJitter(0))
	if err != nil {
		panic(err)
	}

	res, err := gov.PaginateWithETag(context.Background(), srv.URL+"/issues", 2)
	if err != nil {
		panic(err)
	}
	fmt.Println(res.PageCount, len(res.Items), res.Changed)
	// Output: 2 3 true
}
