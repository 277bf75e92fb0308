package mongodb

import (
	"context"
	"testing"
)

func TestConnect_RequiresDatabase(t *testing.T) {
	_, err := Connect(context.Background(), Config{URI: "mongodb://localhost:27017"})
	if err == nil {
		t.Fatal("expected error without database name")
	}
}

func TestConnect_InvalidURI(t *testing.T) {
	_, err := Connect(context.Background(), Config{URI: "not-a-uri", Database: "audit"})
	if err == nil {
		t.Fatal("expected error for invalid URI")
	}
}
