/**
 * Drug Database collaborator
 *
 * The cross-referencer talks to the registered-medicine list through the
 * Database interface. PostgresDatabase is used in deployments; MemoryDatabase
 * carries a small built-in formulary for development and tests.
 */

package drugs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrNotFound is returned by Lookup when no medicine matches exactly
var ErrNotFound = errors.New("drug not found")

// DrugRecord is one registered medicine
type DrugRecord struct {
	Name        string
	GenericName string
	Aliases     []string
	Schedule    string
}

// Database is the drug lookup collaborator
type Database interface {
	// Lookup finds a medicine by exact (case-insensitive) name, generic name
	// or alias
	Lookup(ctx context.Context, name string) (*DrugRecord, error)
	// Candidates returns up to limit names within fuzzy-match range of name,
	// closest first
	Candidates(ctx context.Context, name string, limit int) ([]string, error)
}

// candidateLengthRange returns the name lengths that can reach a similarity
// of at least one half against a name of n runes
func candidateLengthRange(n int) (int, int) {
	return (n + 1) / 2, n * 2
}

// MemoryDatabase is an in-process Database
type MemoryDatabase struct {
	records []DrugRecord
	index   map[string]int
}

// NewMemoryDatabase indexes records by name, generic name and alias
func NewMemoryDatabase(records []DrugRecord) *MemoryDatabase {
	db := &MemoryDatabase{
		records: make([]DrugRecord, len(records)),
		index:   make(map[string]int),
	}
	copy(db.records, records)
	for i, r := range db.records {
		for _, key := range append([]string{r.Name, r.GenericName}, r.Aliases...) {
			key = normalizeName(key)
			if key == "" {
				continue
			}
			if _, exists := db.index[key]; !exists {
				db.index[key] = i
			}
		}
	}
	return db
}

// NewFormularyDatabase returns a MemoryDatabase over the built-in formulary
func NewFormularyDatabase() *MemoryDatabase {
	return NewMemoryDatabase(Formulary)
}

func (m *MemoryDatabase) Lookup(ctx context.Context, name string) (*DrugRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := m.index[normalizeName(name)]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.records[i]
	rec.Aliases = append([]string(nil), rec.Aliases...)
	return &rec, nil
}

func (m *MemoryDatabase) Candidates(ctx context.Context, name string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := normalizeName(name)
	lo, hi := candidateLengthRange(utf8.RuneCountInString(key))

	seen := make(map[string]bool)
	var out []string
	for _, r := range m.records {
		for _, n := range []string{r.Name, r.GenericName} {
			l := utf8.RuneCountInString(n)
			if n == "" || l < lo || l > hi || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return closest(key, out, limit), nil
}

// closest orders names by similarity to key, ties alphabetically, and keeps
// the first limit
func closest(key string, names []string, limit int) []string {
	sim := make(map[string]float64, len(names))
	for _, n := range names {
		sim[n] = Similarity(key, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if sim[names[i]] != sim[names[j]] {
			return sim[names[i]] > sim[names[j]]
		}
		return names[i] < names[j]
	})
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names
}

func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Formulary is a small list of medicines commonly seen on South African
// scripts, by trade name with the active ingredient as generic name
var Formulary = []DrugRecord{
	{Name: "Amoxicillin", GenericName: "Amoxicillin", Aliases: []string{"Amoxil", "Moxypen"}, Schedule: "S4"},
	{Name: "Augmentin", GenericName: "Amoxicillin/Clavulanic acid", Aliases: []string{"Augmaxcil"}, Schedule: "S4"},
	{Name: "Panado", GenericName: "Paracetamol", Aliases: []string{"Acetaminophen"}, Schedule: "S0"},
	{Name: "Brufen", GenericName: "Ibuprofen", Aliases: []string{"Nurofen"}, Schedule: "S2"},
	{Name: "Voltaren", GenericName: "Diclofenac", Aliases: []string{"Cataflam"}, Schedule: "S3"},
	{Name: "Glucophage", GenericName: "Metformin", Aliases: []string{"Metored"}, Schedule: "S3"},
	{Name: "Norvasc", GenericName: "Amlodipine", Aliases: []string{"Amloc"}, Schedule: "S3"},
	{Name: "Renitec", GenericName: "Enalapril", Aliases: []string{"Pharmapress"}, Schedule: "S3"},
	{Name: "Ismo", GenericName: "Isosorbide mononitrate", Schedule: "S3"},
	{Name: "Lipitor", GenericName: "Atorvastatin", Aliases: []string{"Ranstat"}, Schedule: "S3"},
	{Name: "Zocor", GenericName: "Simvastatin", Aliases: []string{"Simvacor"}, Schedule: "S3"},
	{Name: "Losec", GenericName: "Omeprazole", Aliases: []string{"Omez"}, Schedule: "S3"},
	{Name: "Pantoloc", GenericName: "Pantoprazole", Schedule: "S3"},
	{Name: "Eltroxin", GenericName: "Levothyroxine", Aliases: []string{"Euthyrox"}, Schedule: "S3"},
	{Name: "Ventolin", GenericName: "Salbutamol", Aliases: []string{"Asthavent"}, Schedule: "S2"},
	{Name: "Prednisone", GenericName: "Prednisone", Aliases: []string{"Meticorten"}, Schedule: "S3"},
	{Name: "Warfarin", GenericName: "Warfarin", Aliases: []string{"Coumadin"}, Schedule: "S4"},
	{Name: "Disprin", GenericName: "Aspirin", Aliases: []string{"Ecotrin"}, Schedule: "S0"},
	{Name: "Ciprobay", GenericName: "Ciprofloxacin", Schedule: "S4"},
	{Name: "Zithromax", GenericName: "Azithromycin", Aliases: []string{"Azimax"}, Schedule: "S4"},
	{Name: "Zyrtec", GenericName: "Cetirizine", Aliases: []string{"Texa"}, Schedule: "S1"},
	{Name: "Allergex", GenericName: "Chlorphenamine", Schedule: "S1"},
	{Name: "Tramal", GenericName: "Tramadol", Schedule: "S5"},
	{Name: "Lasix", GenericName: "Furosemide", Aliases: []string{"Frusemide"}, Schedule: "S3"},
	{Name: "Hygroton", GenericName: "Chlortalidone", Schedule: "S3"},
	{Name: "Cozaar", GenericName: "Losartan", Schedule: "S3"},
	{Name: "Plavix", GenericName: "Clopidogrel", Schedule: "S4"},
	{Name: "Prozac", GenericName: "Fluoxetine", Aliases: []string{"Nuzak"}, Schedule: "S5"},
	{Name: "Cipramil", GenericName: "Citalopram", Schedule: "S5"},
	{Name: "Actraphane", GenericName: "Insulin", Aliases: []string{"Humulin"}, Schedule: "S3"},
	{Name: "Flagyl", GenericName: "Metronidazole", Schedule: "S4"},
	{Name: "Stilpane", GenericName: "Paracetamol/Codeine", Schedule: "S3"},
}
