package a2a

import "github.com/droverhq/drover/internal/domain/agent"

// Version reported in the agent card.
const Version = "0.1.0"

// BuildAgentCard returns the service's AgentCard with one skill per
// registered agent definition.
func BuildAgentCard(serviceName, baseURL string, agents []agent.Definition) AgentCard {
	skills := make([]Skill, 0, len(agents))
	for _, def := range agents {
		skills = append(skills, Skill{
			ID:          def.Name,
			Name:        def.Name,
			Description: def.Description,
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		})
	}
	card := AgentCard{
		Name:        serviceName,
		Description: "autonomous agent execution service",
		URL:         baseURL,
		Version:     Version,
		Skills:      skills,
	}
	card.Capabilities.Streaming = false
	return card
}
