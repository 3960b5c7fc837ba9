package routes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDirectory(testContext *testing.T) *Directory {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "routes.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&RouteVisit{}); err != nil {
		testContext.Fatalf("failed to migrate routes: %v", err)
	}
	directory, err := NewDirectory(db)
	if err != nil {
		testContext.Fatalf("failed to build directory: %v", err)
	}
	return directory
}

func TestDirectoryTodayRoutesOrdersByPosition(testContext *testing.T) {
	directory := newTestDirectory(testContext)
	ctx := context.Background()

	err := directory.Import(ctx, []RouteVisit{
		{VisitID: 30, Day: "2026-10-18", UserID: 1, Position: 2, ClientName: "Bakery", Address: "2 Main St"},
		{VisitID: 10, Day: "2026-10-18", UserID: 1, Position: 1, ClientName: "Clinic", Address: "1 Main St"},
		{VisitID: 20, Day: "2026-10-18", UserID: 2, Position: 1, ClientName: "Depot", Address: "9 Dock Rd"},
		{VisitID: 10, Day: "2026-10-19", UserID: 1, Position: 1, ClientName: "Clinic", Address: "1 Main St"},
	})
	if err != nil {
		testContext.Fatalf("import failed: %v", err)
	}

	visits, err := directory.TodayRoutes(ctx, 1, "2026-10-18")
	if err != nil {
		testContext.Fatalf("today routes failed: %v", err)
	}
	if len(visits) != 2 {
		testContext.Fatalf("expected 2 visits, got %d", len(visits))
	}
	if visits[0].VisitID != 10 || visits[1].VisitID != 30 {
		testContext.Fatalf("unexpected order: %+v", visits)
	}
}

func TestDirectoryImportReplacesExistingStop(testContext *testing.T) {
	directory := newTestDirectory(testContext)
	ctx := context.Background()

	first := RouteVisit{VisitID: 10, Day: "2026-10-18", UserID: 1, Position: 1, ClientName: "Clinic", Address: "1 Main St"}
	if err := directory.Import(ctx, []RouteVisit{first}); err != nil {
		testContext.Fatalf("import failed: %v", err)
	}
	moved := first
	moved.UserID = 2
	moved.Address = "1 Main St, Suite 4"
	if err := directory.Import(ctx, []RouteVisit{moved}); err != nil {
		testContext.Fatalf("re-import failed: %v", err)
	}

	previousOwner, err := directory.TodayRoutes(ctx, 1, "2026-10-18")
	if err != nil {
		testContext.Fatalf("today routes failed: %v", err)
	}
	if len(previousOwner) != 0 {
		testContext.Fatalf("expected stop to move away from user 1")
	}
	newOwner, err := directory.TodayRoutes(ctx, 2, "2026-10-18")
	if err != nil {
		testContext.Fatalf("today routes failed: %v", err)
	}
	if len(newOwner) != 1 || newOwner[0].Address != "1 Main St, Suite 4" {
		testContext.Fatalf("unexpected stops: %+v", newOwner)
	}
}

func TestDirectoryImportRejectsIncompleteRows(testContext *testing.T) {
	directory := newTestDirectory(testContext)
	err := directory.Import(context.Background(), []RouteVisit{{VisitID: 1, UserID: 1}})
	if !errors.Is(err, ErrInvalidRouteVisit) {
		testContext.Fatalf("expected ErrInvalidRouteVisit, got %v", err)
	}
}
