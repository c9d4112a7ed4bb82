// SPDX-License-Identifier: MIT

// Package demo is the article upvote schema served by a stock flaregql node.
package demo

import (
	"context"

	"github.com/graphql-go/graphql"

	"github.com/ManuGH/flaregql/internal/gqlhttp"
	"github.com/ManuGH/flaregql/internal/pubsub"
)

// TopicPrefix prefixes the per-article upvote topic.
const TopicPrefix = "UPVOTE:"

// Topic is the bus topic carrying upvotes of articleID.
func Topic(articleID string) string { return TopicPrefix + articleID }

type articleArgs struct {
	ArticleID string `json:"articleId"`
}

func articleID(p graphql.ResolveParams) (string, error) {
	var args articleArgs
	if err := gqlhttp.Arguments(p, &args); err != nil {
		return "", err
	}
	return args.ArticleID, nil
}

func contextOf(p graphql.ResolveParams) context.Context {
	if p.Context != nil {
		return p.Context
	}
	return context.Background()
}

// NewSchema builds the upvote schema. Counts live in counter; live updates
// are published through pub, which defaults to bus.
func NewSchema(bus *pubsub.Bus, pub pubsub.Publisher, counter Counter) (graphql.Schema, error) {
	args := graphql.FieldConfigArgument{
		"articleId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
	}

	upvotes := gqlhttp.NewSubscription(bus, gqlhttp.SubscriptionConfig{
		TopicFunc: func(p graphql.ResolveParams) (string, error) {
			id, err := articleID(p)
			if err != nil {
				return "", err
			}
			return Topic(id), nil
		},
		InitialValue: func(p graphql.ResolveParams) (any, error) {
			id, err := articleID(p)
			if err != nil {
				return nil, err
			}
			return counter.Get(contextOf(p), id)
		},
		Publisher: pub,
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"upvotes": &graphql.Field{
					Type: graphql.NewNonNull(graphql.Int),
					Args: args,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						id, err := articleID(p)
						if err != nil {
							return nil, err
						}
						return counter.Get(contextOf(p), id)
					},
				},
			},
		}),
		Mutation: graphql.NewObject(graphql.ObjectConfig{
			Name: "Mutation",
			Fields: graphql.Fields{
				"upvote": &graphql.Field{
					Type: graphql.NewNonNull(graphql.Int),
					Args: args,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						id, err := articleID(p)
						if err != nil {
							return nil, err
						}
						n, err := counter.Incr(contextOf(p), id)
						if err != nil {
							return nil, err
						}
						upvotes.EmitTo(Topic(id), n)
						return n, nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: "Subscription",
			Fields: graphql.Fields{
				"upvotes": &graphql.Field{
					Type:      graphql.NewNonNull(graphql.Int),
					Args:      args,
					Subscribe: upvotes.Subscribe,
					Resolve:   upvotes.Resolve,
				},
			},
		}),
	})
}
