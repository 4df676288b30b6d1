package models

// ServiceCategory classifies what kind of external service a provider is
type ServiceCategory string

const (
	CategoryGeneralChat ServiceCategory = "general-chat"
	CategoryAnalysis    ServiceCategory = "analysis"
	CategoryFinance     ServiceCategory = "finance"
	CategoryNews        ServiceCategory = "news"
	CategoryImage       ServiceCategory = "image"
)

// OperationKind is the closed set of request operations the dispatcher routes
type OperationKind string

const (
	OpChat     OperationKind = "chat"
	OpAnalysis OperationKind = "analysis"
	OpInsight  OperationKind = "insight"
	OpFinance  OperationKind = "finance"
	OpNews     OperationKind = "news"
	OpImage    OperationKind = "image"
)

// RequiredCategory maps an operation kind to the provider category that serves it
func (k OperationKind) RequiredCategory() ServiceCategory {
	switch k {
	case OpChat:
		return CategoryGeneralChat
	case OpAnalysis, OpInsight:
		return CategoryAnalysis
	case OpFinance:
		return CategoryFinance
	case OpNews:
		return CategoryNews
	case OpImage:
		return CategoryImage
	default:
		return CategoryGeneralChat
	}
}

// Valid reports whether k is a known operation kind
func (k OperationKind) Valid() bool {
	switch k {
	case OpChat, OpAnalysis, OpInsight, OpFinance, OpNews, OpImage:
		return true
	}
	return false
}

// ServiceDescriptor identifies one pluggable external intelligence/data provider
type ServiceDescriptor struct {
	Name         string          `json:"name"`
	Category     ServiceCategory `json:"category"`
	Capabilities []OperationKind `json:"capabilities"`
	BaseURL      string          `json:"baseUrl"`
	APIKey       string          `json:"apiKey"`
	Model        string          `json:"model"`
	Priority     int             `json:"priority"` // higher = preferred by intelligent routing
	Active       bool            `json:"active"`
}

// Supports reports whether the descriptor advertises the given operation kind
func (d *ServiceDescriptor) Supports(kind OperationKind) bool {
	for _, c := range d.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// ProvidersConfig is the on-disk provider catalog loaded at startup
type ProvidersConfig struct {
	Services []ServiceDescriptor `json:"services"`
}
