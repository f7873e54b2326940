package httpapi

import (
	"time"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

// The wire DTOs here mirror pkg/hubclient's request structs field for
// field; the SDK and this server are the two ends of the same contract
// and deliberately do not share Go types, so external spokes can speak
// the protocol without importing hub internals.

type schemaPropertyDTO struct {
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	Minimum  *float64 `json:"minimum,omitempty"`
	Maximum  *float64 `json:"maximum,omitempty"`
}

type schemaDTO struct {
	Properties           map[string]schemaPropertyDTO `json:"properties,omitempty"`
	AdditionalProperties bool                         `json:"additional_properties,omitempty"`
}

type toolDescriptorDTO struct {
	QualifiedName     string    `json:"qualified_name"`
	Description       string    `json:"description,omitempty"`
	InputSchema       schemaDTO `json:"input_schema"`
	OutputSchema      schemaDTO `json:"output_schema"`
	OwningServiceName string    `json:"owning_service_name,omitempty"`
}

type registerRequest struct {
	Name           string              `json:"name"`
	Address        string              `json:"address"`
	Tags           []string            `json:"tags,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	HealthEndpoint string              `json:"health_endpoint"`
	Tools          []toolDescriptorDTO `json:"tools,omitempty"`
}

type registerResponse struct {
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

type instanceDTO struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Address         string            `json:"address"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	HealthEndpoint  string            `json:"health_endpoint"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Status          string            `json:"status"`
	Version         uint64            `json:"version"`
}

type discoverResponse struct {
	Instances []instanceDTO `json:"instances"`
	Count     int           `json:"count"`
}

type toolsResponse struct {
	Tools []toolDescriptorDTO `json:"tools"`
	Count int                 `json:"count"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func toSchema(dto schemaDTO) registry.Schema {
	props := make(map[string]registry.SchemaProperty, len(dto.Properties))
	for name, p := range dto.Properties {
		props[name] = registry.SchemaProperty{
			Type:     p.Type,
			Required: p.Required,
			Enum:     p.Enum,
			Minimum:  p.Minimum,
			Maximum:  p.Maximum,
		}
	}
	return registry.Schema{Properties: props, AdditionalProperties: dto.AdditionalProperties}
}

func fromSchema(s registry.Schema) schemaDTO {
	props := make(map[string]schemaPropertyDTO, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = schemaPropertyDTO{
			Type:     p.Type,
			Required: p.Required,
			Enum:     p.Enum,
			Minimum:  p.Minimum,
			Maximum:  p.Maximum,
		}
	}
	return schemaDTO{Properties: props, AdditionalProperties: s.AdditionalProperties}
}

func toDescriptor(dto toolDescriptorDTO) registry.ToolDescriptor {
	return registry.ToolDescriptor{
		QualifiedName: dto.QualifiedName,
		Description:   dto.Description,
		InputSchema:   toSchema(dto.InputSchema),
		OutputSchema:  toSchema(dto.OutputSchema),
	}
}

func fromDescriptor(d registry.ToolDescriptor) toolDescriptorDTO {
	return toolDescriptorDTO{
		QualifiedName:     d.QualifiedName,
		Description:       d.Description,
		InputSchema:       fromSchema(d.InputSchema),
		OutputSchema:      fromSchema(d.OutputSchema),
		OwningServiceName: d.OwningServiceName,
	}
}

func fromInstance(inst *registry.ServiceInstance) instanceDTO {
	return instanceDTO{
		ID:              inst.ID,
		Name:            inst.Name,
		Address:         inst.Address,
		Tags:            inst.Tags,
		Metadata:        inst.Metadata,
		HealthEndpoint:  inst.HealthEndpoint,
		RegisteredAt:    inst.RegisteredAt,
		LastHeartbeatAt: inst.LastHeartbeatAt,
		Status:          string(inst.Status),
		Version:         inst.Version,
	}
}
