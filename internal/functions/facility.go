package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/knowledge"
)

// FacilitySearchFamily is shared by every nearest-facility action so that
// one request cannot fan out into several lookups.
const FacilitySearchFamily = "facility_search"

const facilityResults = 3

type AddressArgs struct {
	Address string `json:"address" jsonschema:"The user's current address or location to search from"`
}

type AnimalShelterArgs struct {
	Address    string `json:"address" jsonschema:"The user's current address or location to find the nearest animal shelter from"`
	AnimalType string `json:"animalType" jsonschema:"The type of animal needing shelter: small for cats, dogs and small pets, or large for horses and livestock"`
}

type HotelArgs struct {
	CityName    string `json:"cityName" jsonschema:"The name of the city to search for hotel rooms in."`
	PetFriendly bool   `json:"petFriendly,omitempty" jsonschema:"Whether to search specifically for pet-friendly hotels"`
}

func CreateShelterFunctionDeclaration(index *knowledge.Index) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name:             "findNearestShelter",
		Description:      "Find the nearest homeless shelter or service based on the user's address.",
		ParametersSchema: schemaFor[AddressArgs](),
		Say:              "I'll help you find the closest shelter to that location.",
		Family:           FacilitySearchFamily,
		FunctionCall: func(_ context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[AddressArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			return searchFacilities(index, "shelters", "shelters", args.Address, args.Address)
		},
	}
}

func CreateAnimalShelterFunctionDeclaration(index *knowledge.Index) *agent.FunctionDeclaration {
	schema := schemaFor[AnimalShelterArgs]()
	if p, ok := schema.Properties["animalType"]; ok {
		p.Enum = []any{"small", "large"}
	}

	return &agent.FunctionDeclaration{
		Name:             "findNearestAnimalShelter",
		Description:      "Find the nearest animal shelter that accepts either small animals (cats, dogs, etc.) or large animals (horses, livestock) based on the user's address and animal type.",
		ParametersSchema: schema,
		Say:              "I'll help you find the closest animal shelter that can accommodate your pets.",
		Family:           FacilitySearchFamily,
		FunctionCall: func(_ context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[AnimalShelterArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			if args.AnimalType != "small" && args.AnimalType != "large" {
				return nil, fmt.Errorf("animal type must be small or large, got %q", args.AnimalType)
			}
			query := args.Address + " " + args.AnimalType + " animals"
			return searchFacilities(index, "animal_shelters", args.AnimalType+" animal shelters", args.Address, query)
		},
	}
}

func CreateFoodBankFunctionDeclaration(index *knowledge.Index) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name:             "findNearestFoodBank",
		Description:      "Find the nearest food bank to a given address.",
		ParametersSchema: schemaFor[AddressArgs](),
		Say:              "Let me find the nearest food bank to that location.",
		Family:           FacilitySearchFamily,
		FunctionCall: func(_ context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[AddressArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			return searchFacilities(index, "food_banks", "food banks", args.Address, args.Address)
		},
	}
}

func CreateHotelFunctionDeclaration(index *knowledge.Index) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name:             "findHotelRoom",
		Description:      "Find available hotel rooms in a specified city, with option to filter for pet-friendly hotels.",
		ParametersSchema: schemaFor[HotelArgs](),
		Say:              "Let me search for available hotel rooms in that city.",
		Family:           FacilitySearchFamily,
		FunctionCall: func(_ context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[HotelArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			query := args.CityName
			label := "hotels"
			if args.PetFriendly {
				query += " pet friendly pets allowed"
				label = "pet-friendly hotels"
			}
			return searchFacilities(index, "hotels", label, args.CityName, query)
		},
	}
}

func searchFacilities(index *knowledge.Index, category, label, near, query string) (string, error) {
	near = strings.TrimSpace(near)
	if near == "" {
		return "", fmt.Errorf("a location is required to search for %s", label)
	}

	docs := index.SearchCategory(category, query, facilityResults)
	if len(docs) == 0 {
		return fmt.Sprintf("No %s found near %s.", label, near), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Nearest %s to %s:", label, near)
	for i, d := range docs {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, d.Text)
	}
	return sb.String(), nil
}
