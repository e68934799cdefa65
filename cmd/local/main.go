package main

import (
	"log"
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"

	// Blank imports register the functions
	_ "github.com/fitglue/stravasync/functions/enrich-worker"
	_ "github.com/fitglue/stravasync/functions/enricher"
	_ "github.com/fitglue/stravasync/functions/gatherer"
	"github.com/fitglue/stravasync/pkg/bootstrap"
)

func main() {
	bootstrap.LoadDotEnv()
	port := "8081"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	if err := funcframework.Start(port); err != nil {
		log.Fatalf("funcframework.Start: %v\n", err)
	}
}
