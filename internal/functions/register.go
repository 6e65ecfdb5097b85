package functions

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/knowledge"
	"github.com/m2tx/voice_agent/internal/repository"
)

type Deps struct {
	Index    *knowledge.Index
	Profiles repository.ProfileRepository
	Weather  *WeatherClient
	Logger   *zap.Logger
}

// Declarations returns every built-in action.
func Declarations(deps Deps) []*agent.FunctionDeclaration {
	index := deps.Index
	if index == nil {
		index = knowledge.NewIndex(deps.Logger)
	}

	decls := []*agent.FunctionDeclaration{
		CreateWeatherFunctionDeclaration(deps.Weather, deps.Logger),
		CreateChangeLanguageFunctionDeclaration(),
		CreateShelterFunctionDeclaration(index),
		CreateAnimalShelterFunctionDeclaration(index),
		CreateFoodBankFunctionDeclaration(index),
		CreateHotelFunctionDeclaration(index),
		CreateSearchResourcesFunctionDeclaration(index),
	}
	if deps.Profiles != nil {
		decls = append(decls, CreateLookupCallerFunctionDeclaration(deps.Profiles))
	}
	return decls
}

// NewRegistry registers the built-in actions with catalog overrides applied.
func NewRegistry(deps Deps, catalog *Catalog) (*agent.Registry, error) {
	decls, err := catalog.Apply(Declarations(deps))
	if err != nil {
		return nil, err
	}

	reg := agent.NewRegistry()
	for _, fd := range decls {
		if err := reg.AddFunctionCall(fd); err != nil {
			return nil, fmt.Errorf("functions: register %q: %w", fd.Name, err)
		}
	}
	if catalog != nil {
		for family, window := range catalog.Cooldowns {
			reg.SetFamilyCooldown(family, window)
		}
	}
	return reg, nil
}
