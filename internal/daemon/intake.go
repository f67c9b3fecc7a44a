package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

// intakeDoc is the authoring format dropped into intake/. Items may
// reference each other by key within one document, or reference existing
// records by id.
type intakeDoc struct {
	Convoys []intakeConvoy `yaml:"convoys,omitempty"`
	Items   []intakeItem   `yaml:"items"`
}

type intakeConvoy struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

type intakeItem struct {
	// Key names the item within this document so later items can depend on
	// it before its id exists.
	Key     string `yaml:"key,omitempty"`
	Title   string `yaml:"title"`
	Payload string `yaml:"payload,omitempty"`
	// Pointer so an explicit priority 0 survives; absent means the default.
	Priority *int     `yaml:"priority,omitempty"`
	Needs    []string `yaml:"needs,omitempty"`
	Convoy   string   `yaml:"convoy,omitempty"`
}

// Ingestor turns intake documents into store records. Malformed documents
// are quarantined so a bad drop never wedges the watch loop.
type Ingestor struct {
	foremanDir string
	store      *graph.Store

	logger   *log.Logger
	logLevel LogLevel
}

func NewIngestor(foremanDir string, store *graph.Store, logger *log.Logger, logLevel LogLevel) *Ingestor {
	return &Ingestor{
		foremanDir: foremanDir,
		store:      store,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// IngestDir sweeps every .yaml file in the intake directory, oldest name
// first. Returns the number of documents ingested.
func (i *Ingestor) IngestDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			i.log(LogLevelError, "read intake dir: %v", err)
		}
		return 0
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	ingested := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := i.IngestFile(path); err != nil {
			i.log(LogLevelError, "ingest file=%s error=%v", name, err)
			if qErr := yamlutil.Quarantine(i.foremanDir, path); qErr != nil {
				i.log(LogLevelError, "quarantine file=%s error=%v", name, qErr)
			}
			continue
		}
		ingested++
	}
	return ingested
}

// IngestFile creates the convoys and items described by one document and
// removes the file on success. Partial failure mid-document leaves already
// created records in place; the document is quarantined by the caller.
func (i *Ingestor) IngestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc intakeDoc
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Items) == 0 && len(doc.Convoys) == 0 {
		return fmt.Errorf("%s: document has no items or convoys", path)
	}

	// Convoys first so items can join them; dependencies wired after all
	// convoys exist so order within the document does not matter.
	convoyIDs := make(map[string]string)
	for _, cv := range doc.Convoys {
		if cv.Name == "" {
			return fmt.Errorf("convoy without a name")
		}
		id, err := i.store.CreateConvoy(cv.Name, nil)
		if err != nil {
			return fmt.Errorf("create convoy %q: %w", cv.Name, err)
		}
		convoyIDs[cv.Name] = id
	}
	for _, cv := range doc.Convoys {
		for _, dep := range cv.DependsOn {
			depID, err := resolveRef(dep, convoyIDs, model.IDTypeConvoy)
			if err != nil {
				return fmt.Errorf("convoy %q depends_on: %w", cv.Name, err)
			}
			if err := i.store.ConvoyDependsOn(convoyIDs[cv.Name], depID); err != nil {
				return fmt.Errorf("convoy %q depends_on %q: %w", cv.Name, dep, err)
			}
		}
	}

	itemIDs := make(map[string]string)
	created := 0
	for _, item := range doc.Items {
		if item.Title == "" {
			return fmt.Errorf("item without a title")
		}
		priority := defaultPriority
		if item.Priority != nil {
			priority = *item.Priority
		}

		var needs []string
		for _, need := range item.Needs {
			needID, err := resolveRef(need, itemIDs, model.IDTypeItem)
			if err != nil {
				return fmt.Errorf("item %q needs: %w", item.Title, err)
			}
			needs = append(needs, needID)
		}
		convoyID := ""
		if item.Convoy != "" {
			convoyID, err = resolveRef(item.Convoy, convoyIDs, model.IDTypeConvoy)
			if err != nil {
				return fmt.Errorf("item %q convoy: %w", item.Title, err)
			}
		}

		id, err := i.store.AddItem(item.Title, item.Payload, priority, needs, convoyID)
		if err != nil {
			return fmt.Errorf("add item %q: %w", item.Title, err)
		}
		if item.Key != "" {
			itemIDs[item.Key] = id
		}
		created++
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove ingested file: %w", err)
	}
	i.log(LogLevelInfo, "ingested file=%s items=%d convoys=%d",
		filepath.Base(path), created, len(doc.Convoys))
	return nil
}

// resolveRef maps a document-local key to its freshly created id, or passes
// through a well-formed existing id of the wanted type.
func resolveRef(ref string, local map[string]string, want model.IDType) (string, error) {
	if id, ok := local[ref]; ok {
		return id, nil
	}
	idType, err := model.ParseIDType(ref)
	if err != nil {
		return "", fmt.Errorf("unknown reference %q", ref)
	}
	if idType != want {
		return "", fmt.Errorf("reference %q is a %s id, want %s", ref, idType, want)
	}
	return ref, nil
}

func (i *Ingestor) log(level LogLevel, format string, args ...any) {
	logWith(i.logger, i.logLevel, level, "intake", format, args...)
}
