package steps

import (
	"fmt"

	"golang.org/x/text/language"

	"ankie/internal/domain"
)

// Vars are the values a template may use.
type Vars struct {
	Agent     string
	Expertise string
	Target    string
	// TargetExpertise describes the delegation target.
	TargetExpertise string
	Tool            string // humanized, single tool
	ToolCount       int
}

// Template renders one step message.
type Template func(v Vars) string

// nodeDefault is the lookup key used when a node type has no template.
const nodeDefault domain.NodeType = "default"

// Catalog maps (locale, node type) to a template. Add a locale or a node by
// adding entries; Lookup owns the fallback rules.
type Catalog map[language.Tag]map[domain.NodeType]Template

// Lookup returns the template for node in locale, falling back to the
// locale's default template and then to fallback's.
func (c Catalog) Lookup(locale, fallback language.Tag, node domain.NodeType) Template {
	for _, tag := range []language.Tag{locale, fallback} {
		byNode := c[tag]
		if t, ok := byNode[node]; ok {
			return t
		}
		if t, ok := byNode[nodeDefault]; ok {
			return t
		}
	}
	return func(Vars) string { return "" }
}

// Tags lists the locales the catalog covers, fallback first.
func (c Catalog) Tags(fallback language.Tag) []language.Tag {
	tags := []language.Tag{fallback}
	for tag := range c {
		if tag != fallback {
			tags = append(tags, tag)
		}
	}
	return tags
}

// DefaultCatalog holds the English and Spanish messages.
func DefaultCatalog() Catalog {
	return Catalog{
		language.English: {
			domain.NodeRouter: func(Vars) string {
				return "Analyzing your request to find the best way to help"
			},
			domain.NodeAgent: func(v Vars) string {
				if v.Expertise != "" {
					return fmt.Sprintf("%s, your %s expert, is working on it", v.Agent, v.Expertise)
				}
				return fmt.Sprintf("%s is working on your request", v.Agent)
			},
			domain.NodeDelegation: func(v Vars) string {
				if v.TargetExpertise != "" {
					return fmt.Sprintf("%s is handing this over to %s, our %s expert", v.Agent, v.Target, v.TargetExpertise)
				}
				return fmt.Sprintf("%s is handing this over to %s", v.Agent, v.Target)
			},
			domain.NodeTools: func(v Vars) string {
				if v.ToolCount > 1 {
					return fmt.Sprintf("Running %d tools at once", v.ToolCount)
				}
				return v.Tool
			},
			domain.NodeInterrupt: func(v Vars) string {
				return fmt.Sprintf("Waiting for your approval before %s", lowerFirst(v.Tool))
			},
			domain.NodeEnd: func(v Vars) string {
				return fmt.Sprintf("%s has finished", v.Agent)
			},
			nodeDefault: func(Vars) string {
				return "Working on your request"
			},
		},
		language.Spanish: {
			domain.NodeRouter: func(Vars) string {
				return "Analizando tu solicitud para encontrar la mejor forma de ayudarte"
			},
			domain.NodeAgent: func(v Vars) string {
				if v.Expertise != "" {
					return fmt.Sprintf("%s, tu experta en %s, está trabajando en ello", v.Agent, v.Expertise)
				}
				return fmt.Sprintf("%s está trabajando en tu solicitud", v.Agent)
			},
			domain.NodeDelegation: func(v Vars) string {
				if v.TargetExpertise != "" {
					return fmt.Sprintf("%s le pasa la tarea a %s, nuestra experta en %s", v.Agent, v.Target, v.TargetExpertise)
				}
				return fmt.Sprintf("%s le pasa la tarea a %s", v.Agent, v.Target)
			},
			domain.NodeTools: func(v Vars) string {
				if v.ToolCount > 1 {
					return fmt.Sprintf("Ejecutando %d herramientas a la vez", v.ToolCount)
				}
				return v.Tool
			},
			domain.NodeInterrupt: func(v Vars) string {
				return fmt.Sprintf("Esperando tu aprobación antes de %s", lowerFirst(v.Tool))
			},
			domain.NodeEnd: func(v Vars) string {
				return fmt.Sprintf("%s ha terminado", v.Agent)
			},
			nodeDefault: func(Vars) string {
				return "Trabajando en tu solicitud"
			},
		},
	}
}

// DefaultExpertise describes the built-in specialists per locale.
func DefaultExpertise() map[language.Tag]map[string]string {
	return map[language.Tag]map[string]string{
		language.English: {
			"calendar": "calendar and scheduling",
			"email":    "email",
			"social":   "social media",
			"commerce": "e-commerce",
			"research": "research",
		},
		language.Spanish: {
			"calendar": "calendario y agenda",
			"email":    "correo electrónico",
			"social":   "redes sociales",
			"commerce": "comercio electrónico",
			"research": "investigación",
		},
	}
}

// DefaultToolNames humanizes the built-in tools per locale.
func DefaultToolNames() map[language.Tag]map[string]string {
	return map[language.Tag]map[string]string{
		language.English: {
			"createCalendarEvent":  "Creating a calendar event",
			"listCalendarEvents":   "Checking your calendar",
			"deleteEvent":          "Removing a calendar event",
			"draftEmail":           "Drafting an email",
			"sendEmail":            "Sending an email",
			"searchEmail":          "Searching your inbox",
			"postTweet":            "Posting to Twitter",
			"publishInstagramPost": "Publishing to Instagram",
			"postToFacebook":       "Posting to Facebook",
			"sendTelegramMessage":  "Sending a Telegram message",
			"listShopifyProducts":  "Looking up your products",
			"getShopifyOrders":     "Looking up your orders",
			"createShopifyOrder":   "Creating a Shopify order",
			"webSearch":            "Searching the web",
			"searchNotes":          "Looking through your notes",
			"saveNote":             "Saving a note",
		},
		language.Spanish: {
			"createCalendarEvent":  "Creando un evento en el calendario",
			"listCalendarEvents":   "Revisando tu calendario",
			"deleteEvent":          "Eliminando un evento del calendario",
			"draftEmail":           "Redactando un correo",
			"sendEmail":            "Enviando un correo",
			"searchEmail":          "Buscando en tu bandeja de entrada",
			"postTweet":            "Publicando en Twitter",
			"publishInstagramPost": "Publicando en Instagram",
			"postToFacebook":       "Publicando en Facebook",
			"sendTelegramMessage":  "Enviando un mensaje de Telegram",
			"listShopifyProducts":  "Consultando tus productos",
			"getShopifyOrders":     "Consultando tus pedidos",
			"createShopifyOrder":   "Creando un pedido en Shopify",
			"webSearch":            "Buscando en la web",
			"searchNotes":          "Revisando tus notas",
			"saveNote":             "Guardando una nota",
		},
	}
}
