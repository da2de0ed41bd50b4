package parse

import (
	"strings"

	"github.com/IBM/fp-go/v2/option"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

// Paths are relative to a <case-file> element.
var (
	categoryCodePath       = xpath.MustCompile("classifications/classification/international-code")
	markIdentificationPath = xpath.MustCompile("case-file-header/mark-identification")
	serialNumberPath       = xpath.MustCompile("serial-number")
	statusCodePath         = xpath.MustCompile("case-file-header/status-code")
	ownerPath              = xpath.MustCompile("case-file-owners/case-file-owner")
	partyNamePath          = xpath.MustCompile("party-name")
)

const ownerSeparator = ", "

// CaseFileFromNode projects a <case-file> element onto a record. Case files
// without an international classification code are not emitted (ok is false),
// whatever else they carry.
func CaseFileFromNode(node *xmlquery.Node, sourceFilename string) (rec models.CaseFileRecord, ok bool) {
	category := xmlquery.QuerySelector(node, categoryCodePath)
	if category == nil {
		return models.CaseFileRecord{}, false
	}

	var owners []string
	for _, owner := range xmlquery.QuerySelectorAll(node, ownerPath) {
		party := xmlquery.QuerySelector(owner, partyNamePath)
		if party == nil {
			continue
		}
		if name := party.InnerText(); !isBlank(name) {
			owners = append(owners, name)
		}
	}

	return models.CaseFileRecord{
		CategoryCode:       present(category.InnerText()),
		MarkIdentification: childText(node, markIdentificationPath),
		SerialNumber:       childText(node, serialNumberPath),
		CaseFileOwners:     strings.Join(owners, ownerSeparator),
		Status:             childText(node, statusCodePath),
		SourceFilename:     sourceFilename,
	}, true
}

func childText(parent *xmlquery.Node, path *xpath.Expr) option.Option[string] {
	n := xmlquery.QuerySelector(parent, path)
	if n == nil {
		return option.None[string]()
	}
	return present(n.InnerText())
}

// present keeps element text as written; whitespace-only text is absent.
func present(s string) option.Option[string] {
	if isBlank(s) {
		return option.None[string]()
	}
	return option.Some(s)
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
